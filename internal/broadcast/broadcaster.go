// Package broadcast periodically estimates the position of every trip in
// service and publishes the snapshot.
package broadcast

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	mmetrics "transit-eta/internal/metrics"
	"transit-eta/internal/positions"
)

type Estimator interface {
	EstimatedPositions(ctx context.Context, f positions.Filter, limit int) ([]positions.Position, error)
}

type Publisher interface {
	PublishPositions(snapshotID string, at time.Time, ps []positions.Position) (int, error)
}

type Broadcaster struct {
	est      Estimator
	pub      Publisher
	interval time.Duration
	filter   positions.Filter
	limit    int
	metrics  *mmetrics.Collector
	now      func() time.Time
	newID    func() string

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBroadcaster(est Estimator, pub Publisher, interval time.Duration, filter positions.Filter, limit int, metrics *mmetrics.Collector) *Broadcaster {
	return &Broadcaster{
		est:      est,
		pub:      pub,
		interval: interval,
		filter:   filter,
		limit:    limit,
		metrics:  metrics,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// Start broadcasts once right away and then every interval until Stop or
// ctx cancellation. Calling Start on a running broadcaster is a no-op.
func (b *Broadcaster) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.tickAndLog(ctx)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.tickAndLog(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight broadcast to finish.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

func (b *Broadcaster) tickAndLog(ctx context.Context) {
	if _, err := b.Tick(ctx); err != nil && ctx.Err() == nil {
		log.Printf("broadcast error: %v", err)
	}
}

// Snapshot summarizes one broadcast.
type Snapshot struct {
	ID        string
	At        time.Time
	Positions int
	Waiting   int
	Published int
}

// Tick computes and publishes one snapshot. Publish failures of single
// positions are reported but the rest of the snapshot still goes out.
func (b *Broadcaster) Tick(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	snap := Snapshot{ID: b.newID(), At: b.now()}

	ps, err := b.est.EstimatedPositions(ctx, b.filter, b.limit)
	if err != nil {
		return snap, err
	}
	snap.Positions = len(ps)
	for _, p := range ps {
		if p.Status() == positions.WaitingAtOrigin {
			snap.Waiting++
		}
	}
	snap.Published, err = b.pub.PublishPositions(snap.ID, snap.At, ps)

	if b.metrics != nil {
		b.metrics.EstimatedPositions.Set(float64(snap.Positions - snap.Waiting))
		b.metrics.WaitingPositions.Set(float64(snap.Waiting))
		b.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	}
	if snap.Positions == 0 {
		log.Printf("no trips in service at %s", snap.At.Format(time.RFC3339))
	}
	return snap, err
}
