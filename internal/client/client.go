// Package client is the surface collaborators use: queue actions, read
// merged records, page through listings and drive sync.
package client

import (
	"context"
	"errors"
	"fmt"

	"subsync/client/internal/listing"
	"subsync/client/internal/merge"
	"subsync/client/internal/storage"
	"subsync/client/internal/syncer"
)

// Triggerer queues a background sync run for an account.
type Triggerer interface {
	Trigger(account string) bool
	Status() []syncer.AccountStatus
}

type Client struct {
	store       storage.Store
	listings    *listing.Store
	coordinator *syncer.Coordinator
	scheduler   Triggerer
}

// New composes a Client. scheduler may be nil, in which case queued
// actions wait for an explicit RunSync.
func New(store storage.Store, listings *listing.Store, coordinator *syncer.Coordinator, scheduler Triggerer) *Client {
	return &Client{store: store, listings: listings, coordinator: coordinator, scheduler: scheduler}
}

// SubmitPendingAction records the newest local intent for a thing and asks
// for a background sync.
func (c *Client) SubmitPendingAction(ctx context.Context, action storage.PendingAction) (storage.PendingAction, error) {
	stored, err := c.store.SubmitAction(ctx, action)
	if err != nil {
		return storage.PendingAction{}, err
	}
	c.TriggerSync(stored.Account)
	return stored, nil
}

// ReadMergedRecord returns the canonical record with every pending action
// for it applied. A thing that only exists as a pending action is merged
// over an empty record.
func (c *Client) ReadMergedRecord(ctx context.Context, account, thingID string) (merge.View, error) {
	thing, err := c.store.Thing(ctx, account, thingID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return merge.View{}, err
	}
	pending, perr := c.store.PendingFor(ctx, account, thingID)
	if perr != nil {
		return merge.View{}, perr
	}
	if err != nil {
		if pending.Empty() {
			return merge.View{}, fmt.Errorf("read %s: %w", thingID, storage.ErrNotFound)
		}
		thing.Record = storage.Record{ThingID: thingID}
	}
	return merge.Apply(thing.Record, pending), nil
}

func (c *Client) OpenListing(ctx context.Context, account, kind, query, existingSessionID string) (*listing.Cursor, error) {
	return c.listings.Open(ctx, account, kind, query, existingSessionID)
}

func (c *Client) Session(ctx context.Context, sessionID string) (storage.Session, error) {
	return c.store.Session(ctx, sessionID)
}

func (c *Client) LoadMore(ctx context.Context, sessionID string) (*listing.Cursor, error) {
	return c.listings.Extend(ctx, sessionID, "")
}

// Reply queues a reply to the row at position and returns the placeholder
// as it now appears in the listing.
func (c *Client) Reply(ctx context.Context, sessionID string, position int, body string) (storage.PendingAction, merge.View, error) {
	action, row, err := c.listings.Reply(ctx, sessionID, position, body)
	if err != nil {
		return storage.PendingAction{}, merge.View{}, err
	}
	c.TriggerSync(action.Account)
	return action, merge.ApplyRow(row), nil
}

// RunSync runs the coordinator for one account in the caller's goroutine.
func (c *Client) RunSync(ctx context.Context, account string) (syncer.Report, error) {
	return c.coordinator.Run(ctx, account)
}

// TriggerSync asks the scheduler for a run and reports whether it was queued.
func (c *Client) TriggerSync(account string) bool {
	if c.scheduler == nil || account == "" {
		return false
	}
	return c.scheduler.Trigger(account)
}

func (c *Client) SyncStatus() []syncer.AccountStatus {
	if c.scheduler == nil {
		return nil
	}
	return c.scheduler.Status()
}

// Pending counts queued actions per kind for an account.
func (c *Client) Pending(ctx context.Context, account string) (map[string]int, error) {
	counts, err := c.store.CountPending(ctx, account)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for kind, n := range counts {
		out[kind.String()] = n
	}
	return out, nil
}
