// Package importer holds the lifecycle shared by the archive and live
// importers: a single-method interface plus the "catch, log, restart
// after a delay" supervisor loop (spec.md §4's Importer lifecycle state
// machine and §9's "express as a function taking a factory and a delay,
// not a base class" design note).
package importer

import (
	"context"
	"log"
	"time"
)

// RestartDelay is how long the supervisor waits after a fatal failure
// before recreating and re-running the importer (spec.md §4
// "_RESTART_DELAY = 60 s").
const RestartDelay = 60 * time.Second

// Importer is one upstream source's ingest loop. Run blocks until ctx is
// cancelled (clean shutdown) or it hits an error it cannot recover from
// internally (transient failures are expected to be retried inside Run
// and never surface here).
type Importer interface {
	Run(ctx context.Context) error
}

// Supervise runs factory()'s importer in a loop: a clean return (ctx
// cancellation) exits; any other error is logged and the importer is
// recreated from scratch and restarted after RestartDelay, mirroring the
// Idle/.../Restarting state machine.
func Supervise(ctx context.Context, name string, factory func() Importer, restartDelay time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := factory().Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		log.Printf("importer %s: fatal error, restarting in %s: %v", name, restartDelay, err)
		timer := time.NewTimer(restartDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// backoff is a linearly growing retry delay (try × unit) capped at max.
// The archive importer's per-file download retries use their own
// equivalent helper, not this one.
type backoff struct {
	try int
	unit,
	max time.Duration
}

func newBackoff(unit, max time.Duration) *backoff {
	if unit <= 0 {
		unit = time.Second
	}
	if max < unit {
		max = unit
	}
	return &backoff{unit: unit, max: max}
}

// Next returns the delay for the next retry (1-indexed by try count) and
// advances the internal counter.
func (b *backoff) Next() time.Duration {
	b.try++
	d := time.Duration(b.try) * b.unit
	if d > b.max {
		d = b.max
	}
	return d
}
