package session

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/warpshare/warpshare/internal/ratelimit"
)

// Sweeper periodically removes expired sessions from a Registry.
//
// Session TTL is enforced here rather than by per-connection timers, so
// clock skew between connection goroutines is irrelevant.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	clock    ratelimit.Clock
	log      *slog.Logger
}

func NewSweeper(r *Registry, interval time.Duration, clock ratelimit.Clock, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		registry: r,
		interval: interval,
		clock:    clock,
		log:      log,
	}
}

// Run ticks until ctx is done. A panicking tick is logged and the sweeper
// keeps running; a wedged sweeper would otherwise let sessions accumulate
// forever.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sweeper) tick() {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic in expiry sweep", "recover", rec, "stack", string(debug.Stack()))
		}
	}()

	if n := s.registry.Sweep(s.clock.Now()); n > 0 {
		s.log.Info("swept expired sessions", "count", n)
	}
}
