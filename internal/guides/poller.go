package guides

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/trip-booking/internal/models"
)

// Poller watches a guide request until it reaches a terminal status.
// The context is the single source of truth for stopping: both natural
// completion and flow abandonment cancel it, and no in-flight poll may
// deliver a result after cancellation.
type Poller struct {
	Tracker  *Tracker
	Interval time.Duration
	Logger   *slog.Logger
}

// Run polls at the configured interval and invokes onTerminal exactly once
// with the terminal status, then returns. It returns without calling
// onTerminal when ctx is cancelled first. Poll errors are logged and the
// next tick tries again; the guide may simply not have decided yet.
func (p *Poller) Run(ctx context.Context, tripID string, onTerminal func(models.ConfirmationStatus, error)) {
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s, err := p.Tracker.Status(ctx, tripID)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil && errors.Is(err, ErrStatusRegression):
			onTerminal(s, err)
			return
		case err != nil:
			if p.Logger != nil {
				p.Logger.Warn("guide status poll failed", "trip_id", tripID, "error", err)
			}
		case s.Terminal():
			onTerminal(s, nil)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
