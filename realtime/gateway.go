// Package realtime is the stateful connection layer: authenticated
// websocket connections, presence tracking, room membership, chat relay and
// the unconditional task broadcast.
package realtime

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskhub/domain"
)

// SharedRoom is joined by every authenticated connection.
const SharedRoom = "general"

// PrivateRoom is the per-identity room used for direct delivery.
func PrivateRoom(identityID string) string { return "user:" + identityID }

const (
	storeTimeout  = 5 * time.Second
	historyLength = 50
)

// Authenticator verifies a realtime credential before the upgrade.
type Authenticator interface {
	VerifyToken(token string) (domain.Identity, error)
}

// IdentityStore resolves direct-message targets; (nil, nil) means unknown.
type IdentityStore interface {
	FindByID(ctx context.Context, id string) (*domain.Identity, error)
}

// MessageStore persists chat messages per room.
type MessageStore interface {
	Append(ctx context.Context, room string, msg domain.Message) error
	LoadRecent(ctx context.Context, room string, n int64) ([]domain.Message, error)
}

// Gateway owns all live connections. The presence and room maps are shared
// mutable state guarded by mu; handler work on behalf of one connection
// never blocks on another connection's socket.
type Gateway struct {
	auth       Authenticator
	identities IdentityStore
	messages   MessageStore
	log        *log.Logger
	upgrader   websocket.Upgrader

	mu           sync.Mutex
	conns        map[*conn]struct{}
	rooms        map[string]map[*conn]struct{}
	presence     map[string]domain.Identity
	presenceRefs map[string]int
}

func NewGateway(auth Authenticator, identities IdentityStore, messages MessageStore, logger *log.Logger) *Gateway {
	return &Gateway{
		auth:       auth,
		identities: identities,
		messages:   messages,
		log:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:        make(map[*conn]struct{}),
		rooms:        make(map[string]map[*conn]struct{}),
		presence:     make(map[string]domain.Identity),
		presenceRefs: make(map[string]int),
	}
}

// Handle authenticates the credential from the token query parameter or the
// Authorization header, upgrades on success and serves the connection until
// it drops. A bad credential is rejected with 401 before any state change.
func (g *Gateway) Handle(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if parts := strings.SplitN(header, " ", 2); len(parts) == 2 {
			token = parts[1]
		}
	}
	identity, err := g.auth.VerifyToken(token)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	sock, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	cn := newConn(identity, sock)
	g.connect(cn)
	go cn.writePump()
	cn.readPump(g)
	return nil
}

// connect registers the connection: presence entry, shared and private room
// membership, presence-online to everyone else, roster and recent shared
// history to the newcomer. An identity may hold several connections; the
// others are told only about the first one.
func (g *Gateway) connect(c *conn) {
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.joinRoomLocked(c, SharedRoom)
	g.joinRoomLocked(c, PrivateRoom(c.identity.ID))
	g.presenceRefs[c.identity.ID]++
	first := g.presenceRefs[c.identity.ID] == 1
	g.presence[c.identity.ID] = c.identity
	roster := g.rosterLocked()
	others := g.othersLocked(c)
	g.mu.Unlock()

	frame, err := encodeFrame(EvPresenceOnline, PresencePayload{
		IdentityID: c.identity.ID,
		Label:      c.identity.Label,
		Roster:     roster,
	})
	if err != nil {
		g.log.Errorf("encode presence-online: %v", err)
		return
	}
	if first {
		for _, other := range others {
			other.enqueue(frame)
		}
	}
	c.enqueue(frame)
	g.sendHistory(c)
}

// disconnect removes the connection from every map. presence-offline goes
// out only when the identity's last connection drops, with the updated
// roster.
func (g *Gateway) disconnect(c *conn) {
	g.mu.Lock()
	if _, ok := g.conns[c]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.conns, c)
	for name, members := range g.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(g.rooms, name)
		}
	}
	g.presenceRefs[c.identity.ID]--
	last := g.presenceRefs[c.identity.ID] <= 0
	if last {
		delete(g.presenceRefs, c.identity.ID)
		delete(g.presence, c.identity.ID)
	}
	roster := g.rosterLocked()
	others := g.othersLocked(c)
	g.mu.Unlock()

	c.close()
	if !last {
		return
	}
	frame, err := encodeFrame(EvPresenceOffline, PresencePayload{
		IdentityID: c.identity.ID,
		Label:      c.identity.Label,
		Roster:     roster,
	})
	if err != nil {
		g.log.Errorf("encode presence-offline: %v", err)
		return
	}
	for _, other := range others {
		other.enqueue(frame)
	}
}

func (g *Gateway) handleFrame(c *conn, data []byte) {
	var f Frame
	if err := sonic.Unmarshal(data, &f); err != nil {
		g.sendError(c, "malformed frame")
		return
	}
	switch f.Event {
	case EvMessageSend:
		var p MessageSendPayload
		if err := sonic.Unmarshal(f.Data, &p); err != nil {
			g.sendError(c, "malformed message-send payload")
			return
		}
		g.sendMessage(c, p)
	case EvTypingStart, EvTypingStop:
		var p TypingPayload
		if len(f.Data) > 0 {
			if err := sonic.Unmarshal(f.Data, &p); err != nil {
				g.sendError(c, "malformed typing payload")
				return
			}
		}
		g.relayTyping(c, f.Event, p.TargetID)
	case EvJoinRoom, EvLeaveRoom:
		var p RoomPayload
		if err := sonic.Unmarshal(f.Data, &p); err != nil || p.Name == "" {
			g.sendError(c, "malformed room payload")
			return
		}
		g.mu.Lock()
		if f.Event == EvJoinRoom {
			g.joinRoomLocked(c, p.Name)
		} else {
			g.leaveRoomLocked(c, p.Name)
		}
		g.mu.Unlock()
	default:
		g.sendError(c, "unknown event: "+f.Event)
	}
}

// sendMessage validates, persists and delivers one chat message. Shared
// messages fan out to the shared room; direct messages reach the target's
// private room, with a separate confirmation to the sender's own private
// room so the sending UI updates without an echoed duplicate. Every failure
// here is reported to the sender only.
func (g *Gateway) sendMessage(c *conn, p MessageSendPayload) {
	if strings.TrimSpace(p.Content) == "" {
		g.sendError(c, "message content must not be empty")
		return
	}
	kind := domain.MessageKind(p.Kind)
	if kind == "" {
		kind = domain.MessageShared
	}
	if kind != domain.MessageShared && kind != domain.MessageDirect {
		g.sendError(c, "unknown message kind: "+p.Kind)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	room := SharedRoom
	if kind == domain.MessageDirect {
		if p.TargetID == "" {
			g.sendError(c, "direct message requires a target")
			return
		}
		target, err := g.identities.FindByID(ctx, p.TargetID)
		if err != nil {
			g.log.Errorf("resolve target %s: %v", p.TargetID, err)
			g.sendError(c, "could not resolve target")
			return
		}
		if target == nil {
			g.sendError(c, "identity "+p.TargetID+" not found")
			return
		}
		room = PrivateRoom(p.TargetID)
	}

	msg := domain.Message{
		ID:          uuid.NewString(),
		SenderID:    c.identity.ID,
		SenderLabel: c.identity.Label,
		TargetID:    p.TargetID,
		Kind:        kind,
		Content:     p.Content,
		SentAt:      time.Now().UnixMilli(),
	}
	if err := g.messages.Append(ctx, room, msg); err != nil {
		g.log.Errorf("persist message %s: %v", msg.ID, err)
		g.sendError(c, "could not persist message")
		return
	}

	delivered, err := encodeFrame(EvMessageDelivered, msg)
	if err != nil {
		g.log.Errorf("encode message %s: %v", msg.ID, err)
		g.sendError(c, "could not encode message")
		return
	}
	if kind == domain.MessageShared {
		g.sendToRoom(SharedRoom, delivered, nil)
		return
	}
	g.sendToRoom(room, delivered, nil)
	if confirmed, err := encodeFrame(EvMessageConfirmed, msg); err == nil {
		g.sendToRoom(PrivateRoom(c.identity.ID), confirmed, nil)
	}
}

// relayTyping forwards the indicator to the target's private room or the
// shared room; the sender never receives its own indicator back.
func (g *Gateway) relayTyping(c *conn, event, targetID string) {
	frame, err := encodeFrame(event, TypingPayload{
		IdentityID: c.identity.ID,
		Label:      c.identity.Label,
	})
	if err != nil {
		g.log.Errorf("encode %s: %v", event, err)
		return
	}
	room := SharedRoom
	if targetID != "" {
		room = PrivateRoom(targetID)
	}
	g.sendToRoom(room, frame, c)
}

// BroadcastTaskCreated pushes to every connection, no room scoping: the
// task list is shared by all users.
func (g *Gateway) BroadcastTaskCreated(p TaskEventPayload) { g.broadcastAll(EvTaskCreated, p) }

func (g *Gateway) BroadcastTaskUpdated(p TaskEventPayload) { g.broadcastAll(EvTaskUpdated, p) }

func (g *Gateway) BroadcastTaskDeleted(p TaskEventPayload) { g.broadcastAll(EvTaskDeleted, p) }

func (g *Gateway) broadcastAll(event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		g.log.Errorf("encode %s: %v", event, err)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.conns {
		c.enqueue(frame)
	}
}

func (g *Gateway) sendToRoom(room string, frame []byte, except *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.rooms[room] {
		if c == except {
			continue
		}
		c.enqueue(frame)
	}
}

func (g *Gateway) sendHistory(c *conn) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	history, err := g.messages.LoadRecent(ctx, SharedRoom, historyLength)
	if err != nil {
		g.log.Errorf("load history: %v", err)
		return
	}
	if len(history) == 0 {
		return
	}
	frame, err := encodeFrame(EvMessageHistory, history)
	if err != nil {
		g.log.Errorf("encode history: %v", err)
		return
	}
	c.enqueue(frame)
}

func (g *Gateway) sendError(c *conn, msg string) {
	frame, err := encodeFrame(EvError, ErrorPayload{Message: msg})
	if err != nil {
		g.log.Errorf("encode error frame: %v", err)
		return
	}
	c.enqueue(frame)
}

// Roster returns the connected identities sorted by id.
func (g *Gateway) Roster() []domain.Identity {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rosterLocked()
}

func (g *Gateway) rosterLocked() []domain.Identity {
	roster := make([]domain.Identity, 0, len(g.presence))
	for _, identity := range g.presence {
		roster = append(roster, identity)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	return roster
}

func (g *Gateway) othersLocked(c *conn) []*conn {
	others := make([]*conn, 0, len(g.conns))
	for other := range g.conns {
		if other != c {
			others = append(others, other)
		}
	}
	return others
}

func (g *Gateway) joinRoomLocked(c *conn, name string) {
	members, ok := g.rooms[name]
	if !ok {
		members = make(map[*conn]struct{})
		g.rooms[name] = members
	}
	members[c] = struct{}{}
}

func (g *Gateway) leaveRoomLocked(c *conn, name string) {
	members := g.rooms[name]
	delete(members, c)
	if len(members) == 0 {
		delete(g.rooms, name)
	}
}
