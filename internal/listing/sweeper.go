package listing

import (
	"context"
	"time"

	"subsync/client/internal/logging"
)

// Sweeper periodically expires sessions that outlived MaxAge, catching
// sessions whose cursors were never closed.
type Sweeper struct {
	listings *Store
	maxAge   time.Duration
	interval time.Duration
	logger   *logging.Logger
}

func NewSweeper(listings *Store, maxAge, interval time.Duration, logger *logging.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Sweeper{listings: listings, maxAge: maxAge, interval: interval, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Errorf("listing sweep: %v", err)
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	removed, err := s.listings.Expire(ctx, s.listings.now().Add(-s.maxAge))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Infof("listing sweep removed=%d", removed)
	}
	return removed, nil
}
