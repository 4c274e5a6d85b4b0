package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidAction = errors.New("invalid action")
)

// Store defines the local persistence contract for pending actions,
// canonical things and listing sessions. Every multi-row mutation runs in
// one transaction.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	// SubmitAction upserts the action's row for (account, thing). A second
	// submission replaces the value of the first and resets its failures.
	SubmitAction(ctx context.Context, action PendingAction) (PendingAction, error)

	// PendingActions returns the queue of one kind for an account, oldest
	// first.
	PendingActions(ctx context.Context, kind ActionKind, account string) ([]PendingAction, error)

	// PendingFor returns every action outstanding against a single thing.
	PendingFor(ctx context.Context, account, thingID string) (Pending, error)

	// PendingAccounts lists accounts that have at least one queued action.
	PendingAccounts(ctx context.Context) ([]string, error)

	// CountPending returns queue depth per kind for an account.
	CountPending(ctx context.Context, account string) (map[ActionKind]int, error)

	// ApplyOps runs a batch of local mutations atomically. On error no op
	// of the batch is applied. A guard op that matches no row skips the ops
	// after it up to the next guard.
	ApplyOps(ctx context.Context, ops []Op) ([]OpResult, error)

	Thing(ctx context.Context, account, thingID string) (Thing, error)

	CreateSession(ctx context.Context, session Session) (Session, error)
	Session(ctx context.Context, id string) (Session, error)
	// FindSession returns the newest session for a listing configuration.
	FindSession(ctx context.Context, kind, query, account string) (Session, error)

	// AppendRows stores one fetched page under a session, continuing its
	// sequence counter, recording the new continuation key and refreshing
	// the canonical things of the page.
	AppendRows(ctx context.Context, sessionID, more string, rows []SessionRow) (Session, error)

	// SessionRows returns a session's rows in sequence order with the
	// pending actions of the session's account attached.
	SessionRows(ctx context.Context, sessionID string) ([]SessionRow, error)

	// InsertReply places a reply placeholder row at sequence, shifting later
	// rows, and queues its comment action in the same transaction.
	InsertReply(ctx context.Context, row SessionRow, action PendingAction) (PendingAction, error)

	DeleteSession(ctx context.Context, id string) error
	// DeleteSessionsBefore removes sessions created before cutoff and returns
	// how many were removed.
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
