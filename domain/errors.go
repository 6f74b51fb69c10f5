package domain

import (
	"fmt"
	"strings"
)

// ValidationError reports malformed input such as a bad title or date.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// NotFoundError reports a missing task, parent or identity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// DomainError reports an invariant violation. BlockingIDs is populated when
// a parent cannot complete because of unfinished subtasks.
type DomainError struct {
	Msg         string
	BlockingIDs []string
}

func (e DomainError) Error() string {
	if len(e.BlockingIDs) == 0 {
		return e.Msg
	}
	return e.Msg + ": " + strings.Join(e.BlockingIDs, ", ")
}

// AuthenticationError reports a missing, invalid or expired realtime
// credential.
type AuthenticationError struct {
	Msg string
}

func (e AuthenticationError) Error() string { return e.Msg }
