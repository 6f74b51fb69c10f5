package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskhub/domain"
)

type stubAuth struct{}

func (stubAuth) VerifyToken(token string) (domain.Identity, error) {
	if token == "" || token == "bad" {
		return domain.Identity{}, domain.AuthenticationError{Msg: "invalid credential"}
	}
	return domain.Identity{ID: token, Label: strings.ToUpper(token)}, nil
}

type stubIdentities struct {
	known map[string]string
}

func (s stubIdentities) FindByID(_ context.Context, id string) (*domain.Identity, error) {
	label, ok := s.known[id]
	if !ok {
		return nil, nil
	}
	return &domain.Identity{ID: id, Label: label}, nil
}

type memMessages struct {
	mu         sync.Mutex
	rooms      map[string][]domain.Message
	failAppend bool
}

func newMemMessages() *memMessages {
	return &memMessages{rooms: map[string][]domain.Message{}}
}

func (m *memMessages) Append(_ context.Context, room string, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend {
		return errors.New("message store down")
	}
	m.rooms[room] = append(m.rooms[room], msg)
	return nil
}

func (m *memMessages) LoadRecent(_ context.Context, room string, n int64) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.rooms[room]
	if int64(len(msgs)) > n {
		msgs = msgs[int64(len(msgs))-n:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *memMessages) setFailAppend(fail bool) {
	m.mu.Lock()
	m.failAppend = fail
	m.mu.Unlock()
}

func (m *memMessages) count(room string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms[room])
}

func setupGateway(t *testing.T) (*Gateway, *memMessages, *httptest.Server) {
	t.Helper()
	store := newMemMessages()
	gw := NewGateway(stubAuth{}, stubIdentities{known: map[string]string{"u1": "Alice", "u2": "Bob"}}, store, log.New())
	e := echo.New()
	e.GET("/ws", gw.Handle)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return gw, store, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", token, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) Frame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func expectEvent(t *testing.T, c *websocket.Conn, event string) Frame {
	t.Helper()
	f := readFrame(t, c)
	if f.Event != event {
		t.Fatalf("expected %s, got %s (%s)", event, f.Event, f.Data)
	}
	return f
}

// expectSilence must be the last read on the connection: a timed-out read
// poisons the client socket.
func expectSilence(t *testing.T, c *websocket.Conn, d time.Duration) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(d))
	if _, data, err := c.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame %s", data)
	}
}

func sendFrame(t *testing.T, c *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func presenceOf(t *testing.T, f Frame) PresencePayload {
	t.Helper()
	var p PresencePayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("decode presence payload: %v", err)
	}
	return p
}

func TestRejectsBadCredentialBeforeUpgrade(t *testing.T) {
	gw, _, srv := setupGateway(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=bad"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected handshake rejection, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
	if len(gw.Roster()) != 0 {
		t.Fatal("failed auth must leave no presence entry")
	}
}

func TestPresenceLifecycle(t *testing.T) {
	gw, _, srv := setupGateway(t)

	a := dial(t, srv, "u1")
	p := presenceOf(t, expectEvent(t, a, EvPresenceOnline))
	if p.IdentityID != "u1" || len(p.Roster) != 1 {
		t.Fatalf("unexpected initial presence %+v", p)
	}

	b := dial(t, srv, "u2")
	p = presenceOf(t, expectEvent(t, b, EvPresenceOnline))
	if p.IdentityID != "u2" || len(p.Roster) != 2 {
		t.Fatalf("unexpected presence for newcomer %+v", p)
	}
	p = presenceOf(t, expectEvent(t, a, EvPresenceOnline))
	if p.IdentityID != "u2" || len(p.Roster) != 2 {
		t.Fatalf("existing connection missed the join: %+v", p)
	}
	if got := gw.Roster(); len(got) != 2 || got[0].ID != "u1" || got[1].ID != "u2" {
		t.Fatalf("unexpected roster %v", got)
	}

	b.Close()
	p = presenceOf(t, expectEvent(t, a, EvPresenceOffline))
	if p.IdentityID != "u2" || len(p.Roster) != 1 || p.Roster[0].ID != "u1" {
		t.Fatalf("unexpected offline payload %+v", p)
	}
	expectSilence(t, a, 300*time.Millisecond)
}

func TestSameIdentityHoldsSeveralConnections(t *testing.T) {
	gw, _, srv := setupGateway(t)

	observer := dial(t, srv, "u2")
	expectEvent(t, observer, EvPresenceOnline)

	a1 := dial(t, srv, "u1")
	p := presenceOf(t, expectEvent(t, a1, EvPresenceOnline))
	if len(p.Roster) != 2 {
		t.Fatalf("unexpected roster %+v", p)
	}
	p = presenceOf(t, expectEvent(t, observer, EvPresenceOnline))
	if p.IdentityID != "u1" {
		t.Fatalf("unexpected presence %+v", p)
	}

	// A second connection for the same identity: roster unchanged, the
	// others are not notified again.
	a2 := dial(t, srv, "u1")
	p = presenceOf(t, expectEvent(t, a2, EvPresenceOnline))
	if len(p.Roster) != 2 {
		t.Fatalf("second connection changed the roster: %+v", p)
	}
	if got := gw.Roster(); len(got) != 2 {
		t.Fatalf("unexpected roster %v", got)
	}

	// Dropping one connection keeps the identity online; only the last
	// drop broadcasts presence-offline.
	a1.Close()
	time.Sleep(100 * time.Millisecond)
	if got := gw.Roster(); len(got) != 2 {
		t.Fatalf("identity went offline with a live connection: %v", got)
	}
	a2.Close()
	p = presenceOf(t, expectEvent(t, observer, EvPresenceOffline))
	if p.IdentityID != "u1" || len(p.Roster) != 1 || p.Roster[0].ID != "u2" {
		t.Fatalf("unexpected offline payload %+v", p)
	}
}

func TestSharedMessageDeliveredExactlyOnce(t *testing.T) {
	_, store, srv := setupGateway(t)

	a := dial(t, srv, "u1")
	expectEvent(t, a, EvPresenceOnline)
	b := dial(t, srv, "u2")
	expectEvent(t, b, EvPresenceOnline)
	expectEvent(t, a, EvPresenceOnline)

	sendFrame(t, a, EvMessageSend, MessageSendPayload{Content: "hello"})

	for _, c := range []*websocket.Conn{a, b} {
		f := expectEvent(t, c, EvMessageDelivered)
		var msg domain.Message
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		if msg.Content != "hello" || msg.SenderID != "u1" || msg.Kind != domain.MessageShared {
			t.Fatalf("unexpected message %+v", msg)
		}
	}
	if store.count(SharedRoom) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", store.count(SharedRoom))
	}
	// No echoed duplicate through the confirmation channel for shared sends.
	expectSilence(t, a, 300*time.Millisecond)
	expectSilence(t, b, 300*time.Millisecond)
}

func TestDirectMessageDeliveryAndConfirmation(t *testing.T) {
	_, store, srv := setupGateway(t)

	a := dial(t, srv, "u1")
	expectEvent(t, a, EvPresenceOnline)
	b := dial(t, srv, "u2")
	expectEvent(t, b, EvPresenceOnline)
	expectEvent(t, a, EvPresenceOnline)

	sendFrame(t, a, EvMessageSend, MessageSendPayload{Content: "psst", Kind: "direct", TargetID: "u2"})

	f := expectEvent(t, b, EvMessageDelivered)
	var msg domain.Message
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Content != "psst" || msg.TargetID != "u2" || msg.Kind != domain.MessageDirect {
		t.Fatalf("unexpected message %+v", msg)
	}

	f = expectEvent(t, a, EvMessageConfirmed)
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		t.Fatalf("decode confirmation: %v", err)
	}
	if msg.Content != "psst" {
		t.Fatalf("unexpected confirmation %+v", msg)
	}
	if store.count(PrivateRoom("u2")) != 1 {
		t.Fatalf("expected direct history in target room, got %d", store.count(PrivateRoom("u2")))
	}
	expectSilence(t, b, 300*time.Millisecond)
}

func TestEmptyMessageRejectedToSenderOnly(t *testing.T) {
	_, store, srv := setupGateway(t)

	a := dial(t, srv, "u1")
	expectEvent(t, a, EvPresenceOnline)

	sendFrame(t, a, EvMessageSend, MessageSendPayload{Content: "   "})
	f := expectEvent(t, a, EvError)
	var p ErrorPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if !strings.Contains(p.Message, "empty") {
		t.Fatalf("unexpected error %q", p.Message)
	}
	if store.count(SharedRoom) != 0 {
		t.Fatal("rejected message must not persist")
	}
}

func TestDirectMessageToUnknownTarget(t *testing.T) {
	_, store, srv := setupGateway(t)

	a := dial(t, srv, "u1")
	expectEvent(t, a, EvPresenceOnline)

	sendFrame(t, a, EvMessageSend, MessageSendPayload{Content: "hi", Kind: "direct", TargetID: "ghost"})
	f := expectEvent(t, a, EvError)
	var p ErrorPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if !strings.Contains(p.Message, "ghost") {
		t.Fatalf("error should name the target, got %q", p.Message)
	}
	if store.count(PrivateRoom("ghost")) != 0 {
		t.Fatal("nothing may persist for an unknown target")
	}
}

func TestTaskBroadcastReachesEveryConnection(t *testing.T) {
	gw, _, srv := setupGateway(t)

	a := dial(t, srv, "u1")
	expectEvent(t, a, EvPresenceOnline)
	b := dial(t, srv, "u2")
	expectEvent(t, b, EvPresenceOnline)
	expectEvent(t, a, EvPresenceOnline)

	// Leave the shared room; task broadcasts ignore room membership.
	sendFrame(t, b, EvLeaveRoom, RoomPayload{Name: SharedRoom})
	time.Sleep(50 * time.Millisecond)

	gw.BroadcastTaskUpdated(TaskEventPayload{ID: "t1", Status: "COMPLETED", Field: "status"})
	for _, c := range []*websocket.Conn{a, b} {
		f := expectEvent(t, c, EvTaskUpdated)
		var p TaskEventPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.ID != "t1" || p.Field != "status" {
			t.Fatalf("unexpected payload %+v", p)
		}
	}
}

func TestTypingRelayedWithoutEcho(t *testing.T) {
	_, _, srv := setupGateway(t)

	a := dial(t, srv, "u1")
	expectEvent(t, a, EvPresenceOnline)
	b := dial(t, srv, "u2")
	expectEvent(t, b, EvPresenceOnline)
	expectEvent(t, a, EvPresenceOnline)

	sendFrame(t, a, EvTypingStart, TypingPayload{})
	f := expectEvent(t, b, EvTypingStart)
	var p TypingPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("decode typing payload: %v", err)
	}
	if p.IdentityID != "u1" {
		t.Fatalf("unexpected typing payload %+v", p)
	}
	expectSilence(t, a, 300*time.Millisecond)
}

func TestPersistenceFailureIsolatedToSender(t *testing.T) {
	_, store, srv := setupGateway(t)

	a := dial(t, srv, "u1")
	expectEvent(t, a, EvPresenceOnline)
	b := dial(t, srv, "u2")
	expectEvent(t, b, EvPresenceOnline)
	expectEvent(t, a, EvPresenceOnline)

	store.setFailAppend(true)
	sendFrame(t, a, EvMessageSend, MessageSendPayload{Content: "lost"})
	expectEvent(t, a, EvError)

	// The gateway and the other connection stay healthy.
	store.setFailAppend(false)
	sendFrame(t, a, EvMessageSend, MessageSendPayload{Content: "back"})
	for _, c := range []*websocket.Conn{a, b} {
		f := expectEvent(t, c, EvMessageDelivered)
		var msg domain.Message
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		if msg.Content != "back" {
			t.Fatalf("expected only the second message, got %+v", msg)
		}
	}
}

func TestHistoryReplayOnConnect(t *testing.T) {
	_, store, srv := setupGateway(t)
	seed := domain.Message{ID: "m1", SenderID: "u2", Kind: domain.MessageShared, Content: "earlier"}
	if err := store.Append(context.Background(), SharedRoom, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	a := dial(t, srv, "u1")
	expectEvent(t, a, EvPresenceOnline)
	f := expectEvent(t, a, EvMessageHistory)
	var history []domain.Message
	if err := json.Unmarshal(f.Data, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 1 || history[0].ID != "m1" {
		t.Fatalf("unexpected history %v", history)
	}
}

func TestUnknownEventReturnsError(t *testing.T) {
	_, _, srv := setupGateway(t)

	a := dial(t, srv, "u1")
	expectEvent(t, a, EvPresenceOnline)

	sendFrame(t, a, "bogus-event", RoomPayload{Name: "x"})
	f := expectEvent(t, a, EvError)
	var p ErrorPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if !strings.Contains(p.Message, "bogus-event") {
		t.Fatalf("unexpected error %q", p.Message)
	}
}
