package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"subsync/client/internal/auth"
	"subsync/client/internal/logging"
	"subsync/client/internal/remote"
	"subsync/client/internal/storage"
)

// DefaultCommentRateLimit spaces comment posts of one account.
const DefaultCommentRateLimit = time.Minute

type Options struct {
	Backoff          Backoff
	CommentRateLimit time.Duration
	Locker           Locker
	// LockTTL bounds how long a crashed run can keep an account locked.
	LockTTL time.Duration
	Logger  *logging.Logger
	Now     func() time.Time
}

// Report summarizes one run for one account.
type Report struct {
	Account string            `json:"account"`
	Kinds   map[string]*Stats `json:"kinds"`
	// Busy is set when another run held the account and nothing was done.
	// NextRun then asks for a retry one backoff step later.
	Busy       bool `json:"busy,omitempty"`
	AuthFailed bool `json:"authFailed,omitempty"`
	// NextRun is the earliest time a follow-up run has work, zero when the
	// queues were drained.
	NextRun time.Time `json:"nextRun"`
}

// Total sums the per-kind counters.
func (r Report) Total() Stats {
	var total Stats
	for _, stats := range r.Kinds {
		total.add(*stats)
	}
	return total
}

type Coordinator struct {
	store            storage.Store
	creds            auth.Provider
	syncers          []Syncer
	locker           Locker
	lockTTL          time.Duration
	logger           *logging.Logger
	backoff          Backoff
	commentRateLimit time.Duration
	now              func() time.Time

	mu               sync.Mutex
	commentNotBefore map[string]time.Time
}

func NewCoordinator(store storage.Store, creds auth.Provider, syncers []Syncer, opts Options) *Coordinator {
	if opts.Locker == nil {
		opts.Locker = NewMemoryLocker()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.CommentRateLimit <= 0 {
		opts.CommentRateLimit = DefaultCommentRateLimit
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		store:            store,
		creds:            creds,
		syncers:          syncers,
		locker:           opts.Locker,
		lockTTL:          opts.LockTTL,
		logger:           opts.Logger,
		backoff:          opts.Backoff,
		commentRateLimit: opts.CommentRateLimit,
		now:              opts.Now,
		commentNotBefore: make(map[string]time.Time),
	}
}

// Run syncs every kind for account once. The returned error joins the
// local store failures of the run; remote failures only show in the report.
func (c *Coordinator) Run(ctx context.Context, account string) (Report, error) {
	report := Report{Account: account, Kinds: make(map[string]*Stats, len(c.syncers))}

	release, ok, err := c.locker.TryLock(ctx, "account:"+account, c.lockTTL)
	if err != nil {
		return report, err
	}
	if !ok {
		report.Busy = true
		report.NextRun = c.now().Add(c.backoff.Base)
		c.logger.Debugf("sync skipped account=%q: run in progress", account)
		return report, nil
	}
	defer release()

	var storeErrs []error
	for _, s := range c.syncers {
		if ctx.Err() != nil {
			break
		}
		stats := &Stats{}
		report.Kinds[s.Kind().String()] = stats

		actions, err := s.Query(ctx, c.store, account)
		if err != nil {
			stats.StoreErrors++
			storeErrs = append(storeErrs, &LocalStoreError{Kind: s.Kind(), Err: err})
			c.logger.Errorf("sync query kind=%s account=%q: %v", s.Kind(), account, err)
			continue
		}
		if len(actions) == 0 {
			continue
		}

		creds, err := c.creds.Credentials(ctx, account)
		if err != nil {
			stats.AuthErrors++
			stats.Deferred += len(actions)
			report.AuthFailed = true
			c.logger.Warnf("sync credentials account=%q: %v", account, err)
			break
		}

		var next time.Time
		if s.Kind() == storage.KindComment {
			next, err = c.syncComment(ctx, s, actions, creds, stats)
		} else {
			next, err = c.syncBatch(ctx, s, actions, creds, stats)
		}
		report.NextRun = earliest(report.NextRun, next)
		if err != nil {
			storeErrs = append(storeErrs, err)
		}
		if stats.AuthErrors > 0 {
			report.AuthFailed = true
			break
		}
	}

	total := report.Total()
	c.logger.Infof("sync run account=%q synced=%d dropped=%d failures=%d deferred=%d auth=%d io=%d store=%d",
		account, total.Synced, total.Dropped, total.Failures, total.Deferred, total.AuthErrors, total.IOErrors, total.StoreErrors)
	return report, errors.Join(storeErrs...)
}

// syncBatch attempts every row, then retires the successful ones and
// records the failures in one transaction.
func (c *Coordinator) syncBatch(ctx context.Context, s Syncer, actions []storage.PendingAction, creds auth.Credentials, stats *Stats) (time.Time, error) {
	ops := make([]storage.Op, 0, s.EstimatedOpCount(len(actions)))
	var delay time.Duration
	retry := false

	for i, action := range actions {
		if ctx.Err() != nil {
			stats.Deferred += len(actions) - i
			retry = true
			break
		}
		stats.Attempts++
		result := s.SyncOne(ctx, action, creds)
		rowOps, rowDelay, stop := c.outcome(s, action, result, stats)
		ops = append(ops, rowOps...)
		if rowDelay > 0 || (!result.Success && result.Retryable) {
			retry = true
			delay = max(delay, rowDelay)
		}
		if stop {
			stats.Deferred += len(actions) - i - 1
			break
		}
	}

	if err := c.apply(ctx, s, ops, stats); err != nil {
		return c.now().Add(c.backoff.Base), err
	}
	if stats.Superseded > 0 {
		retry = true
	}
	if !retry {
		return time.Time{}, nil
	}
	return c.now().Add(delay), nil
}

// syncComment posts the oldest comment only and spaces the next post by
// the rate limit or the server's backoff, whichever is longer.
func (c *Coordinator) syncComment(ctx context.Context, s Syncer, actions []storage.PendingAction, creds auth.Credentials, stats *Stats) (time.Time, error) {
	now := c.now()
	account := actions[0].Account
	c.mu.Lock()
	notBefore := c.commentNotBefore[account]
	c.mu.Unlock()
	if now.Before(notBefore) {
		stats.Deferred += len(actions)
		return notBefore, nil
	}

	action := actions[0]
	stats.Attempts++
	stats.Deferred += len(actions) - 1
	result := s.SyncOne(ctx, action, creds)
	ops, delay, _ := c.outcome(s, action, result, stats)
	err := c.apply(ctx, s, ops, stats)

	next := now.Add(max(delay, c.commentRateLimit))
	c.mu.Lock()
	c.commentNotBefore[account] = next
	c.mu.Unlock()

	if err == nil && len(actions) == 1 && (result.Success || !result.Retryable) && c.drained(ctx, s, account) {
		return time.Time{}, nil
	}
	return next, err
}

// outcome turns one remote result into local ops. delay is the wait the
// row asks for; stop ends the batch early.
func (c *Coordinator) outcome(s Syncer, action storage.PendingAction, result remote.Result, stats *Stats) (ops []storage.Op, delay time.Duration, stop bool) {
	switch {
	case result.Success:
		stats.Synced++
		return s.CommitOps(action, result), 0, false
	case result.Class == remote.ClassAuth:
		stats.AuthErrors++
		c.logger.Warnf("sync auth kind=%s account=%q thing=%s: %v", action.Kind, action.Account, action.ThingID, result.Err)
		return nil, 0, true
	case !result.Retryable:
		stats.Dropped++
		c.logger.Warnf("sync drop kind=%s account=%q thing=%s: %v", action.Kind, action.Account, action.ThingID, result.Err)
		return dropOps(s, action), 0, false
	}

	stats.Failures++
	delay = c.backoff.Delay(action.SyncFailures + 1)
	if result.Class == remote.ClassRateLimited {
		stats.RateLimited++
		delay = max(delay, result.Backoff)
		stop = true
	} else {
		stats.IOErrors++
	}
	c.logger.Debugf("sync retry kind=%s account=%q thing=%s failures=%d: %v", action.Kind, action.Account, action.ThingID, action.SyncFailures+1, result.Err)
	return []storage.Op{storage.IncrementFailuresOp(action)}, delay, stop
}

func (c *Coordinator) apply(ctx context.Context, s Syncer, ops []storage.Op, stats *Stats) error {
	if len(ops) == 0 {
		return nil
	}
	// Retirement completes even when the run is cancelled.
	results, err := c.store.ApplyOps(context.WithoutCancel(ctx), ops)
	if err != nil {
		stats.StoreErrors++
		c.logger.Errorf("sync apply kind=%s ops=%d: %v", s.Kind(), len(ops), err)
		return &LocalStoreError{Kind: s.Kind(), Err: err}
	}
	s.Tally(results, stats)
	return nil
}

// drained reports whether the kind's queue is empty after a commit. A row
// rewritten while it was syncing is still there.
func (c *Coordinator) drained(ctx context.Context, s Syncer, account string) bool {
	remaining, err := s.Query(context.WithoutCancel(ctx), c.store, account)
	return err == nil && len(remaining) == 0
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}
