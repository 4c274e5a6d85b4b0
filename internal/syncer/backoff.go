package syncer

import "time"

// Backoff doubles the delay per recorded failure, starting at Base and
// never exceeding Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 5 * time.Second, Max: time.Hour}
}

// Delay returns the wait before the next attempt of a row that has failed
// failures times.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 || b.Base <= 0 {
		return 0
	}
	delay := b.Base
	for i := 1; i < failures; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}
