package front

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultResumeWindow = 30 * time.Minute

type lifecycleTarget interface {
	resume(ctx context.Context, at time.Time, window time.Duration) error
	suspend(ctx context.Context, at time.Time) error
}

// Tracker turns app lifecycle signals into session boundaries in the
// front history. Transitions never fail; write errors are logged.
type Tracker struct {
	mu         sync.Mutex
	target     lifecycleTarget
	window     time.Duration
	log        zerolog.Logger
	foreground bool
	known      bool
}

func NewTracker(machine *Machine, window time.Duration, log zerolog.Logger) *Tracker {
	return newTracker(machine, window, log)
}

func newTracker(target lifecycleTarget, window time.Duration, log zerolog.Logger) *Tracker {
	if window <= 0 {
		window = DefaultResumeWindow
	}
	return &Tracker{target: target, window: window, log: log}
}

// Foreground is a no-op when the app is already in the foreground.
func (t *Tracker) Foreground(ctx context.Context, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.known && t.foreground {
		return
	}
	t.known, t.foreground = true, true
	if err := t.target.resume(ctx, at, t.window); err != nil {
		t.log.Error().Err(err).Msg("resume session failed")
	}
}

func (t *Tracker) Background(ctx context.Context, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.known && !t.foreground {
		return
	}
	t.known, t.foreground = true, false
	if err := t.target.suspend(ctx, at); err != nil {
		t.log.Error().Err(err).Msg("suspend session failed")
	}
}

func (t *Tracker) InForeground() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.known && t.foreground
}
