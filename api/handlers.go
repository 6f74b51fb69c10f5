package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskhub/domain"
)

const (
	taskBodyMaxSize = 1 << 20
	issuedTokenTTL  = 24 * time.Hour
)

// TaskService runs the task lifecycle use cases.
type TaskService interface {
	CreateTask(ctx context.Context, cmd domain.CreateTaskCommand) (*domain.Task, error)
	UpdateTask(ctx context.Context, cmd domain.UpdateTaskCommand) (*domain.Task, error)
	DeleteTask(ctx context.Context, cmd domain.DeleteTaskCommand) error
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc TaskService, store TaskLister, auth Authenticator, deduper Deduper, gw echo.HandlerFunc, logger *log.Logger) {
	e.GET("/api/tasks", getTasks(store, auth))
	e.POST("/api/tasks", createTask(svc, auth, deduper, logger))
	e.PATCH("/api/tasks/:id", updateTask(svc, auth, deduper, logger))
	e.DELETE("/api/tasks/:id", deleteTask(svc, auth, deduper, logger))
	e.POST("/api/auth/token", issueToken(auth))
	e.GET("/ws", gw)
	e.GET("/healthz", healthz())
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type errorResponse struct {
	Error       string   `json:"error"`
	BlockingIDs []string `json:"blockingIds,omitempty"`
}

type duplicateResponse struct {
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getTasks(store TaskLister, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		tasks, err := store.FetchTasks(c.Request().Context())
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
	}
}

func createTask(svc TaskService, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var cmd domain.CreateTaskCommand
		if err := decodeBody(c.Request().Body, &cmd); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		cmd.CreatedByID = identity.ID

		ctx := c.Request().Context()
		if replay, err := seenBefore(ctx, deduper, identity.ID, cmd.IdempotencyKey, logger); err == nil && replay {
			return c.JSON(http.StatusAccepted, duplicateResponse{Status: "duplicate", IdempotencyKey: cmd.IdempotencyKey})
		}
		task, err := svc.CreateTask(ctx, cmd)
		if err != nil {
			releaseKey(ctx, deduper, identity.ID, cmd.IdempotencyKey, logger)
			return commandError(c, err)
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func updateTask(svc TaskService, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var cmd domain.UpdateTaskCommand
		if err := decodeBody(c.Request().Body, &cmd); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		cmd.TaskID = c.Param("id")
		cmd.UserID = identity.ID

		ctx := c.Request().Context()
		if replay, err := seenBefore(ctx, deduper, identity.ID, cmd.IdempotencyKey, logger); err == nil && replay {
			return c.JSON(http.StatusAccepted, duplicateResponse{Status: "duplicate", IdempotencyKey: cmd.IdempotencyKey})
		}
		task, err := svc.UpdateTask(ctx, cmd)
		if err != nil {
			releaseKey(ctx, deduper, identity.ID, cmd.IdempotencyKey, logger)
			return commandError(c, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(svc TaskService, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		cmd := domain.DeleteTaskCommand{TaskID: c.Param("id"), UserID: identity.ID}
		if err := svc.DeleteTask(c.Request().Context(), cmd); err != nil {
			return commandError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type tokenRequest struct {
	IdentityID string `json:"identityId"`
	Label      string `json:"label,omitempty"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// issueToken mints a local-mode credential; in JWKS mode tokens come from
// the external identity provider and this endpoint rejects.
func issueToken(auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req tokenRequest
		if err := decodeBody(c.Request().Body, &req); err != nil || req.IdentityID == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		token, err := auth.Issue(req.IdentityID, req.Label, issuedTokenTTL)
		if err != nil {
			return c.String(http.StatusForbidden, err.Error())
		}
		return c.JSON(http.StatusOK, tokenResponse{Token: token})
	}
}

func decodeBody(body io.Reader, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(body, taskBodyMaxSize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// commandError maps the use-case error taxonomy onto HTTP statuses. Domain
// and validation rejections are deterministic and never retried here.
func commandError(c echo.Context, err error) error {
	var vErr domain.ValidationError
	var nfErr domain.NotFoundError
	var dErr domain.DomainError
	switch {
	case errors.As(err, &vErr):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: vErr.Error()})
	case errors.As(err, &nfErr):
		return c.JSON(http.StatusNotFound, errorResponse{Error: nfErr.Error()})
	case errors.As(err, &dErr):
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: dErr.Error(), BlockingIDs: dErr.BlockingIDs})
	default:
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// seenBefore reports whether the idempotency key was already recorded. A
// deduper outage is logged and treated as unseen; availability wins over
// duplicate suppression.
func seenBefore(ctx context.Context, deduper Deduper, userID, key string, logger *log.Logger) (bool, error) {
	if key == "" || deduper == nil {
		return false, nil
	}
	added, err := deduper.Add(ctx, userID, key)
	if err != nil {
		logger.Warnf("deduper add %s: %v", key, err)
		return false, nil
	}
	return !added, nil
}

func releaseKey(ctx context.Context, deduper Deduper, userID, key string, logger *log.Logger) {
	if key == "" || deduper == nil {
		return
	}
	if err := deduper.Remove(ctx, userID, key); err != nil {
		logger.Warnf("deduper remove %s: %v", key, err)
	}
}
