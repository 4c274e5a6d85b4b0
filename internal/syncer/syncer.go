// Package syncer drains the pending action queues against the remote
// server.
//
// Each action kind has one Syncer. The Coordinator runs them for an account
// and decides retries, backoff and the shape of each run: batch kinds are
// retired in one transaction, comments go one row per run.
package syncer

import (
	"context"
	"fmt"

	"subsync/client/internal/auth"
	"subsync/client/internal/remote"
	"subsync/client/internal/storage"
)

// Remote is the part of the network client the syncers call.
type Remote interface {
	Vote(ctx context.Context, creds auth.Credentials, thingID string, direction int) error
	Save(ctx context.Context, creds auth.Credentials, thingID string, saved bool) error
	Hide(ctx context.Context, creds auth.Credentials, thingID string, hidden bool) error
	MarkRead(ctx context.Context, creds auth.Credentials, thingID string, read bool) error
	Comment(ctx context.Context, creds auth.Credentials, parentID, body string) (string, error)
	EditComment(ctx context.Context, creds auth.Credentials, thingID, body string) error
	DeleteComment(ctx context.Context, creds auth.Credentials, thingID string) error
}

// Syncer knows one action kind: where its rows live, which remote call
// retires them and which local mutations follow a successful call.
type Syncer interface {
	Kind() storage.ActionKind
	Query(ctx context.Context, store storage.Store, account string) ([]storage.PendingAction, error)
	SyncOne(ctx context.Context, action storage.PendingAction, creds auth.Credentials) remote.Result
	// CommitOps returns the mutations that retire action after result
	// succeeded.
	CommitOps(action storage.PendingAction, result remote.Result) []storage.Op
	EstimatedOpCount(n int) int
	Tally(results []storage.OpResult, stats *Stats)
}

// Dropper is implemented by syncers that need more than deleting the
// pending row when an action is given up on.
type Dropper interface {
	DropOps(action storage.PendingAction) []storage.Op
}

func dropOps(s Syncer, action storage.PendingAction) []storage.Op {
	if d, ok := s.(Dropper); ok {
		return d.DropOps(action)
	}
	return []storage.Op{storage.DeletePendingOp(action)}
}

// Stats counts one kind's outcomes within a run.
type Stats struct {
	Attempts    int `json:"attempts"`
	Synced      int `json:"synced"`
	Dropped     int `json:"dropped"`
	Failures    int `json:"failures"`
	AuthErrors  int `json:"authErrors"`
	IOErrors    int `json:"ioErrors"`
	RateLimited int `json:"rateLimited"`
	StoreErrors int `json:"storeErrors"`
	// Superseded counts rows rewritten locally while their sync was in
	// flight. They stay queued with the newer value.
	Superseded int `json:"superseded"`
	// Deferred counts rows left untouched for a later run.
	Deferred int   `json:"deferred"`
	Inserts  int64 `json:"inserts"`
	Updates  int64 `json:"updates"`
	Deletes  int64 `json:"deletes"`
}

func (s *Stats) add(other Stats) {
	s.Attempts += other.Attempts
	s.Synced += other.Synced
	s.Dropped += other.Dropped
	s.Failures += other.Failures
	s.AuthErrors += other.AuthErrors
	s.IOErrors += other.IOErrors
	s.RateLimited += other.RateLimited
	s.StoreErrors += other.StoreErrors
	s.Superseded += other.Superseded
	s.Deferred += other.Deferred
	s.Inserts += other.Inserts
	s.Updates += other.Updates
	s.Deletes += other.Deletes
}

// LocalStoreError reports that retiring a kind's rows failed locally. The
// rows are left exactly as they were before the run.
type LocalStoreError struct {
	Kind storage.ActionKind
	Err  error
}

func (e *LocalStoreError) Error() string {
	return fmt.Sprintf("local store %s: %v", e.Kind, e.Err)
}

func (e *LocalStoreError) Unwrap() error { return e.Err }

// base carries the parts every syncer shares.
type base struct {
	kind   storage.ActionKind
	remote Remote
}

func (b base) Kind() storage.ActionKind { return b.kind }

func (b base) Query(ctx context.Context, store storage.Store, account string) ([]storage.PendingAction, error) {
	return store.PendingActions(ctx, b.kind, account)
}

// EstimatedOpCount assumes the pending delete plus the canonical and
// session row updates.
func (b base) EstimatedOpCount(n int) int { return 3 * n }

func (b base) Tally(results []storage.OpResult, stats *Stats) {
	for _, r := range results {
		if r.Op.Guard() && r.RowsAffected == 0 {
			stats.Superseded++
			continue
		}
		switch r.Op.Type {
		case storage.OpInsert:
			stats.Inserts += r.RowsAffected
		case storage.OpUpdate:
			stats.Updates += r.RowsAffected
		case storage.OpDelete:
			stats.Deletes += r.RowsAffected
		}
	}
}

func retire(action storage.PendingAction, ops ...[]storage.Op) []storage.Op {
	out := []storage.Op{storage.DeletePendingOp(action)}
	for _, group := range ops {
		out = append(out, group...)
	}
	return out
}

// DefaultSyncers returns one syncer per action kind in sync order.
func DefaultSyncers(r Remote) []Syncer {
	return []Syncer{
		NewVoteSyncer(r),
		NewSaveSyncer(r),
		NewHideSyncer(r),
		NewReadSyncer(r),
		NewCommentSyncer(r),
	}
}
