package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"subsync/client/internal/logging"
)

// Runner runs one sync pass for an account.
type Runner interface {
	Run(ctx context.Context, account string) (Report, error)
}

// AccountLister names the accounts with queued work.
type AccountLister interface {
	PendingAccounts(ctx context.Context) ([]string, error)
}

type SchedulerOptions struct {
	Workers   int
	Interval  time.Duration
	QueueSize int
	Logger    *logging.Logger
}

// AccountStatus is the scheduler's view of one account.
type AccountStatus struct {
	Account    string    `json:"account"`
	Queued     bool      `json:"queued"`
	Running    bool      `json:"running"`
	Runs       int       `json:"runs"`
	LastRun    time.Time `json:"lastRun,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	NextRun    time.Time `json:"nextRun,omitempty"`
	LastReport *Report   `json:"lastReport,omitempty"`
}

// Scheduler feeds accounts to a fixed pool of workers. An account is never
// run by two workers at once; a trigger that arrives mid-run queues one
// more run after it.
type Scheduler struct {
	runner   Runner
	accounts AccountLister
	workers  int
	interval time.Duration
	logger   *logging.Logger
	queue    chan string

	mu      sync.Mutex
	queued  map[string]bool
	running map[string]bool
	again   map[string]bool
	timers  map[string]*time.Timer
	status  map[string]*AccountStatus
}

func NewScheduler(runner Runner, accounts AccountLister, opts SchedulerOptions) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Scheduler{
		runner:   runner,
		accounts: accounts,
		workers:  opts.Workers,
		interval: opts.Interval,
		logger:   opts.Logger,
		queue:    make(chan string, opts.QueueSize),
		queued:   make(map[string]bool),
		running:  make(map[string]bool),
		again:    make(map[string]bool),
		timers:   make(map[string]*time.Timer),
		status:   make(map[string]*AccountStatus),
	}
}

// Run starts the workers and the periodic sweep and blocks until ctx is
// done.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			s.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		s.tick(ctx)
		return nil
	})
	err := g.Wait()

	s.mu.Lock()
	for account, timer := range s.timers {
		timer.Stop()
		delete(s.timers, account)
	}
	s.mu.Unlock()
	return err
}

// Trigger queues a run for account. It reports false when the queue is
// full and the trigger was dropped.
func (s *Scheduler) Trigger(account string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statusLocked(account)
	if s.queued[account] {
		return true
	}
	if s.running[account] {
		s.again[account] = true
		return true
	}
	select {
	case s.queue <- account:
		s.queued[account] = true
		st.Queued = true
		return true
	default:
		s.logger.Warnf("sync queue full, dropped trigger account=%q", account)
		return false
	}
}

// Status returns a snapshot of every account seen so far, sorted by name.
func (s *Scheduler) Status() []AccountStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AccountStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

func (s *Scheduler) statusLocked(account string) *AccountStatus {
	st, ok := s.status[account]
	if !ok {
		st = &AccountStatus{Account: account}
		s.status[account] = st
	}
	return st
}

func (s *Scheduler) tick(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	accounts, err := s.accounts.PendingAccounts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Errorf("sync sweep list accounts: %v", err)
		}
		return
	}
	for _, account := range accounts {
		s.Trigger(account)
	}
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case account := <-s.queue:
			s.runOne(ctx, account)
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, account string) {
	s.mu.Lock()
	s.queued[account] = false
	s.running[account] = true
	st := s.statusLocked(account)
	st.Queued = false
	st.Running = true
	s.mu.Unlock()

	report, err := s.runner.Run(ctx, account)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[account] = false
	st.Running = false
	st.Runs++
	st.LastRun = time.Now()
	st.LastReport = &report
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
		s.logger.Errorf("sync run account=%q: %v", account, err)
	}
	st.NextRun = report.NextRun

	if s.again[account] {
		delete(s.again, account)
		select {
		case s.queue <- account:
			s.queued[account] = true
			st.Queued = true
		default:
		}
		return
	}
	if report.NextRun.IsZero() || ctx.Err() != nil {
		return
	}
	if timer, ok := s.timers[account]; ok {
		timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(time.Until(report.NextRun), func() {
		s.mu.Lock()
		if s.timers[account] == timer {
			delete(s.timers, account)
		}
		s.mu.Unlock()
		s.Trigger(account)
	})
	s.timers[account] = timer
}
