// Package archival implements the Archival Sweeper: a long-lived
// background task that flags old, snapshotted events as archived. The
// flag is a hint for an out-of-scope downstream data-tiering process;
// it never affects read results and events are never deleted.
package archival

import (
	"context"
	"log"
	"time"

	"github.com/jules-labs/eventstore/internal/clock"
	"github.com/jules-labs/eventstore/internal/metrics"
	"github.com/jules-labs/eventstore/internal/store"
)

// Sweeper ticks every Interval, computing cutoff = now - RetainFor and
// marking every eligible event created before cutoff as archived.
type Sweeper struct {
	gateway store.Gateway
	metrics metrics.Sink
	clock   clock.Clock

	Interval  time.Duration
	RetainFor time.Duration
}

// New builds a Sweeper. Run must be called to start its ticker loop.
func New(gateway store.Gateway, sink metrics.Sink, clk clock.Clock, interval, retainFor time.Duration) *Sweeper {
	return &Sweeper{
		gateway:   gateway,
		metrics:   sink,
		clock:     clk,
		Interval:  interval,
		RetainFor: retainFor,
	}
}

// Run blocks, ticking every s.Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep immediately. Run calls this on every tick of its
// ticker; tests call it directly to avoid waiting on a timer.
func (s *Sweeper) Tick(ctx context.Context) {
	s.metrics.Inc("event_store_archival_ticks_total")

	cutoff := s.clock.Now().Add(-s.RetainFor)
	n, err := s.gateway.MarkArchived(ctx, cutoff)
	if err != nil {
		log.Printf("archival: failed to mark events archived: %v", err)
		s.metrics.Inc("event_store_archival_errors_total")
		return
	}

	s.metrics.IncBy("event_store_archival_events_archived_total", float64(n))
}
