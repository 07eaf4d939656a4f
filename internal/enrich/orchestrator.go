package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/enrichd/internal/storage"
)

// ErrBatchInFlight is returned by RunBatch when another batch still holds the run guard.
var ErrBatchInFlight = errors.New("enrichment batch already in flight")

// WorkQueue abstracts the pending enrichment queue.
type WorkQueue interface {
	TakeAllPending(ctx context.Context) ([]storage.PendingItem, error)
	EnqueueEnrichment(ctx context.Context, id string) error
}

// SessionStore abstracts the session records that receive enrichment results.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (storage.Session, error)
	UpdateSessionEnrichment(ctx context.Context, id string, geo *storage.Geo, weather *storage.Weather) error
}

// Outcome describes what happened to a single work item.
type Outcome int

const (
	// OutcomeSkipped means the item was not actually present when taken.
	OutcomeSkipped Outcome = iota
	// OutcomeStale means the session was gone before or during enrichment.
	OutcomeStale
	OutcomeEnriched
	// OutcomeFailed means a storage error prevented the merge.
	OutcomeFailed
	// OutcomeRequeued means the batch was cancelled before the item started
	// and it went back on the queue.
	OutcomeRequeued
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeStale:
		return "stale"
	case OutcomeEnriched:
		return "enriched"
	case OutcomeFailed:
		return "failed"
	case OutcomeRequeued:
		return "requeued"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// BatchResult summarises one RunBatch call.
type BatchResult struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	Taken       int           `json:"taken"`
	Enriched    int           `json:"enriched"`
	WithGeo     int           `json:"with_geo"`
	WithWeather int           `json:"with_weather"`
	Skipped     int           `json:"skipped"`
	Stale       int           `json:"stale"`
	Failed      int           `json:"failed"`
	Requeued    int           `json:"requeued"`
}

func (r *BatchResult) add(o Outcome) {
	switch o {
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeStale:
		r.Stale++
	case OutcomeEnriched:
		r.Enriched++
	case OutcomeFailed:
		r.Failed++
	case OutcomeRequeued:
		r.Requeued++
	}
}

// Stats are cumulative counters since process start.
type Stats struct {
	Batches      int          `json:"batches"`
	Rejected     int          `json:"rejected"`
	Enriched     int          `json:"enriched"`
	Failed       int          `json:"failed"`
	LastBatch    *BatchResult `json:"last_batch,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	BatchRunning bool         `json:"batch_running"`
}

// Orchestrator drains the work queue and enriches each session with geo and
// weather data.
type Orchestrator struct {
	queue       WorkQueue
	sessions    SessionStore
	geo         *GeoChain
	weather     *WeatherChain
	guard       *RunGuard
	concurrency int
	logger      *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewOrchestrator wires an Orchestrator. If concurrency is <= 0, it defaults to 4.
func NewOrchestrator(queue WorkQueue, sessions SessionStore, geo *GeoChain, weather *WeatherChain, concurrency int) *Orchestrator {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Orchestrator{
		queue:       queue,
		sessions:    sessions,
		geo:         geo,
		weather:     weather,
		guard:       NewRunGuard(),
		concurrency: concurrency,
		logger:      slog.Default(),
	}
}

// RunBatch takes every pending item and enriches them concurrently. It holds
// the run guard until all item work has finished and returns ErrBatchInFlight
// without touching the queue when another batch is running. Per-item failures
// are counted in the result, not returned.
func (o *Orchestrator) RunBatch(ctx context.Context) (BatchResult, error) {
	if !o.guard.TryAcquire() {
		o.mu.Lock()
		o.stats.Rejected++
		o.mu.Unlock()
		return BatchResult{}, ErrBatchInFlight
	}
	defer o.guard.Release()

	res := BatchResult{StartedAt: time.Now()}

	items, err := o.queue.TakeAllPending(ctx)
	if err != nil {
		o.record(res, err)
		return res, fmt.Errorf("taking pending items: %w", err)
	}
	res.Taken = len(items)

	// Items are off the queue now. Cancelling ctx only stops items that have
	// not started yet; those are put back. Started items run to completion,
	// bounded by the resolver timeouts.
	workCtx := context.WithoutCancel(ctx)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(o.concurrency)
	for _, item := range items {
		g.Go(func() error {
			var (
				outcome      Outcome
				geo, weather bool
			)
			if ctx.Err() != nil && item.Present {
				outcome = o.requeue(workCtx, item)
			} else {
				outcome, geo, weather = o.processItem(workCtx, item)
			}
			mu.Lock()
			res.add(outcome)
			if outcome == OutcomeEnriched {
				if geo {
					res.WithGeo++
				}
				if weather {
					res.WithWeather++
				}
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	res.Duration = time.Since(res.StartedAt)
	o.record(res, nil)

	if res.Taken > 0 {
		o.logger.Info("enrichment batch complete",
			"taken", res.Taken,
			"enriched", res.Enriched,
			"skipped", res.Skipped,
			"stale", res.Stale,
			"failed", res.Failed,
			"requeued", res.Requeued,
			"duration", res.Duration,
		)
	} else {
		o.logger.Debug("enrichment batch found no pending items")
	}
	return res, nil
}

func (o *Orchestrator) requeue(ctx context.Context, item storage.PendingItem) Outcome {
	if err := o.queue.EnqueueEnrichment(ctx, item.ID); err != nil {
		o.logger.Error("requeueing cancelled item failed", "session_id", item.ID, "error", err)
		return OutcomeFailed
	}
	o.logger.Debug("batch cancelled, item requeued", "session_id", item.ID)
	return OutcomeRequeued
}

// ProcessItem runs the geo chain, then the weather chain, then merges both
// into the session identified by item.ID.
func (o *Orchestrator) ProcessItem(ctx context.Context, item storage.PendingItem) Outcome {
	outcome, _, _ := o.processItem(ctx, item)
	return outcome
}

func (o *Orchestrator) processItem(ctx context.Context, item storage.PendingItem) (out Outcome, haveGeo, haveWeather bool) {
	if !item.Present {
		return OutcomeSkipped, false, false
	}

	sess, err := o.sessions.GetSession(ctx, item.ID)
	if errors.Is(err, storage.ErrNotFound) {
		o.logger.Debug("session gone before enrichment", "session_id", item.ID)
		return OutcomeStale, false, false
	}
	if err != nil {
		o.logger.Error("loading session failed", "session_id", item.ID, "error", err)
		return OutcomeFailed, false, false
	}

	geo, haveGeo := o.geo.Resolve(ctx, item, sess.SourceIP)
	weather, haveWeather := o.weather.Resolve(ctx, geo, haveGeo)

	var geoPtr *storage.Geo
	if haveGeo {
		geoPtr = &geo
	}
	var weatherPtr *storage.Weather
	if haveWeather {
		weatherPtr = &weather
	}

	err = o.sessions.UpdateSessionEnrichment(ctx, item.ID, geoPtr, weatherPtr)
	if errors.Is(err, storage.ErrNotFound) {
		o.logger.Debug("session deleted during enrichment", "session_id", item.ID)
		return OutcomeStale, haveGeo, haveWeather
	}
	if err != nil {
		o.logger.Error("merging enrichment failed", "session_id", item.ID, "error", err)
		return OutcomeFailed, haveGeo, haveWeather
	}

	o.logger.Debug("session enriched", "session_id", item.ID, "geo", haveGeo, "weather", haveWeather)
	return OutcomeEnriched, haveGeo, haveWeather
}

func (o *Orchestrator) record(res BatchResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.Batches++
	o.stats.Enriched += res.Enriched
	o.stats.Failed += res.Failed
	o.stats.LastBatch = &res
	if err != nil {
		o.stats.LastError = err.Error()
	} else {
		o.stats.LastError = ""
	}
}

// Stats returns a snapshot of the cumulative counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	if s.LastBatch != nil {
		last := *s.LastBatch
		s.LastBatch = &last
	}
	s.BatchRunning = o.guard.Busy()
	return s
}
