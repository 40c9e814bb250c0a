package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/pezzottify/pezzosync/internal/model"
)

const (
	otelScope       = "pezzosync/sync"
	spanSweep       = "sync.sweep"
	metricSynced    = "pezzosync.sync.items.synced"
	metricRequeued  = "pezzosync.sync.items.requeued"
	metricDeleted   = "pezzosync.sync.items.deleted"
	metricConflicts = "pezzosync.sync.conflicts"
	metricErrors    = "pezzosync.sync.errors"
)

// Pacing controls the sweep loop's idle behavior. After a sweep that
// left work pending, the loop sleeps for an interval that grows by
// GrowthFactor per quiet cycle, from MinSleep up to MaxSleep. A wake or
// an emptied queue snaps the interval back to MinSleep. SessionRecheck
// paces the loop while no session token is usable.
type Pacing struct {
	MinSleep       time.Duration
	MaxSleep       time.Duration
	GrowthFactor   float64
	SessionRecheck time.Duration
}

// Stats tracks the outcomes of a single sweep.
type Stats struct {
	// Scanned is the number of pending items the sweep picked up.
	Scanned int
	// Synced items reached the server and settled.
	Synced int
	// Requeued items hit a transient failure and stay pending.
	Requeued int
	// Deleted items were confirmed gone and removed locally.
	Deleted int
	// Conflicts counts items yielded to a concurrent local mutation.
	Conflicts int
	// Errors counts items parked in the error state plus store failures.
	Errors int
}

// Engine drains pending outbound mutations for a single item kind. One
// background loop per engine lists pending rows, claims each with a
// compare-and-set to the syncing status, dispatches it to the remote,
// and records the outcome. Mutation paths call [Engine.WakeUp]; the
// loop otherwise blocks instead of polling.
type Engine struct {
	kind    model.Kind
	store   MutationStore
	remote  Remote
	session SessionGate
	pacing  Pacing
	log     *slog.Logger

	signal  *Signal
	started atomic.Bool
	done    chan struct{}

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer       trace.Tracer
	cntSynced    metric.Int64Counter
	cntRequeued  metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntErrors    metric.Int64Counter
}

// NewEngine creates an Engine for one kind. Call [Engine.Initialize] to
// start its background loop, or [Engine.SweepOnce] to drain on demand.
func NewEngine(kind model.Kind, store MutationStore, remote Remote, session SessionGate, pacing Pacing, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		kind:    kind,
		store:   store,
		remote:  remote,
		session: session,
		pacing:  pacing,
		log:     logger,

		signal: NewSignal(),
		done:   make(chan struct{}),

		tracer:       tracer,
		cntSynced:    mustCounter(metricSynced, "Number of items synced to the server"),
		cntRequeued:  mustCounter(metricRequeued, "Number of items requeued after transient failures"),
		cntDeleted:   mustCounter(metricDeleted, "Number of items removed after confirmed deletes"),
		cntConflicts: mustCounter(metricConflicts, "Number of items yielded to concurrent local mutations"),
		cntErrors:    mustCounter(metricErrors, "Number of items parked in the error state"),
	}
}

// Kind returns the item kind this engine drains.
func (e *Engine) Kind() model.Kind { return e.kind }

// Initialize starts the background sweep loop. Idempotent: only the
// first call starts a loop, later calls are no-ops. The loop runs until
// ctx is cancelled.
func (e *Engine) Initialize(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.loop(ctx)
}

// WakeUp signals that pending work may exist. Never blocks; concurrent
// wakes while a sweep is running coalesce into a single re-poll. The
// sweep loop snaps its backoff interval back to MinSleep when it
// observes the wake.
func (e *Engine) WakeUp() {
	e.signal.Raise()
}

// Done is closed when the background loop has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// SweepOnce drains the pending queue a single time and returns the
// outcome counts. Item-level failures are recorded in the stats, not
// returned; the error covers only the pending-list read.
func (e *Engine) SweepOnce(ctx context.Context) (Stats, error) {
	return e.sweep(ctx)
}

// loop is the engine's background goroutine. It sweeps while work is
// pending, then blocks on the wake signal. There is no idle polling:
// an empty queue parks the loop until the next mutation.
func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	pol := newBackoffPolicy(e.pacing)

	for ctx.Err() == nil {
		if !e.session.Authenticated() {
			e.log.Debug("no usable session, sweep skipped", "kind", e.kind)
			if e.signal.AwaitTimeout(ctx, e.pacing.SessionRecheck) {
				pol.Reset()
			}
			continue
		}

		stats, err := e.sweep(ctx)
		if err != nil {
			e.log.Error("sweep failed", "kind", e.kind, "error", err)
			if e.signal.AwaitTimeout(ctx, pol.NextBackOff()) {
				pol.Reset()
			}
			continue
		}

		if stats.Scanned == 0 {
			pol.Reset()
			if !e.signal.Await(ctx) {
				break
			}
			continue
		}

		// Requeues and conflict yields are live work; errored items wait
		// for an explicit retry and do not hold the loop awake.
		if stats.Requeued+stats.Conflicts == 0 {
			pol.Reset()
			continue
		}
		if e.signal.AwaitTimeout(ctx, pol.NextBackOff()) {
			pol.Reset()
		}
	}
	e.log.Info("sync engine shutting down", "kind", e.kind)
}

// sweep runs one drain pass over the pending queue, recording a trace
// span and metrics.
func (e *Engine) sweep(ctx context.Context) (Stats, error) {
	ctx, span := e.tracer.Start(ctx, spanSweep, trace.WithAttributes(
		attribute.String("sync.kind", string(e.kind)),
	))
	defer span.End()

	var stats Stats
	items, err := e.store.ListPending(ctx, e.kind)
	if err != nil {
		span.RecordError(err)
		return stats, err
	}
	stats.Scanned = len(items)

	for _, item := range items {
		e.processItem(ctx, item, &stats)
	}

	if stats.Synced > 0 {
		e.cntSynced.Add(ctx, int64(stats.Synced))
	}
	if stats.Requeued > 0 {
		e.cntRequeued.Add(ctx, int64(stats.Requeued))
	}
	if stats.Deleted > 0 {
		e.cntDeleted.Add(ctx, int64(stats.Deleted))
	}
	if stats.Conflicts > 0 {
		e.cntConflicts.Add(ctx, int64(stats.Conflicts))
	}
	if stats.Errors > 0 {
		e.cntErrors.Add(ctx, int64(stats.Errors))
	}

	span.SetAttributes(
		attribute.Int("sync.scanned", stats.Scanned),
		attribute.Int("sync.synced", stats.Synced),
		attribute.Int("sync.requeued", stats.Requeued),
		attribute.Int("sync.deleted", stats.Deleted),
		attribute.Int("sync.conflicts", stats.Conflicts),
		attribute.Int("sync.errors", stats.Errors),
	)

	if stats.Scanned == 0 {
		e.log.Debug("sweep found nothing pending", "kind", e.kind)
	} else {
		e.log.Info("sweep complete",
			"kind", e.kind,
			"scanned", stats.Scanned,
			"synced", stats.Synced,
			"requeued", stats.Requeued,
			"deleted", stats.Deleted,
			"conflicts", stats.Conflicts,
			"errors", stats.Errors,
		)
	}
	return stats, nil
}

// processItem claims one pending item and dispatches it. Every item is
// claimed with a compare-and-set from its listed status to syncing, so
// a mutation that lands mid-sweep wins: the claim (or the closing
// transition) fails and the row keeps the newer pending status for the
// next sweep.
func (e *Engine) processItem(ctx context.Context, item *model.Item, stats *Stats) {
	claimed, err := e.store.MarkSyncing(ctx, e.kind, item.ID, item.Status)
	if err != nil {
		e.log.Error("claiming item failed", "kind", e.kind, "id", item.ID, "error", err)
		stats.Errors++
		return
	}
	if !claimed {
		e.log.Debug("item changed under sweep, yielding", "kind", e.kind, "id", item.ID)
		stats.Conflicts++
		return
	}

	switch item.Status {
	case model.StatusPendingCreate:
		e.syncCreate(ctx, item, stats)
	case model.StatusPendingUpdate:
		e.syncUpdate(ctx, item, stats)
	case model.StatusPendingDelete:
		e.syncDelete(ctx, item, stats)
	default:
		// ListPending only returns pending statuses; nothing to do.
	}
}

func (e *Engine) syncCreate(ctx context.Context, item *model.Item, stats *Stats) {
	serverID, err := e.remote.Create(ctx, item)
	switch {
	case err == nil:
		if serverID == item.ID {
			e.settle(ctx, item, stats)
			return
		}
		// The server assigned its own id. Re-home the row; a mutation
		// queued mid-flight rides along under the new id.
		if err := e.store.AdoptServerID(ctx, e.kind, item.ID, serverID); err != nil {
			e.log.Error("adopting server id failed", "kind", e.kind, "id", item.ID, "server_id", serverID, "error", err)
			stats.Errors++
			return
		}
		e.log.Debug("item created", "kind", e.kind, "id", item.ID, "server_id", serverID)
		stats.Synced++
	case errors.Is(err, model.ErrUnavailable):
		e.requeue(ctx, item, stats, err)
	default:
		e.park(ctx, item, stats, err)
	}
}

func (e *Engine) syncUpdate(ctx context.Context, item *model.Item, stats *Stats) {
	err := e.remote.Update(ctx, item)
	switch {
	case err == nil:
		e.settle(ctx, item, stats)
	case errors.Is(err, model.ErrUnavailable):
		e.requeue(ctx, item, stats, err)
	case errors.Is(err, model.ErrNotFound):
		// The record is gone server-side. Recreate it rather than
		// erroring: the local copy is the source of truth here.
		if _, err := e.store.RequeueCreate(ctx, e.kind, item.ID); err != nil {
			e.log.Error("queueing recreate failed", "kind", e.kind, "id", item.ID, "error", err)
			stats.Errors++
			return
		}
		e.log.Info("server record missing, queued recreate", "kind", e.kind, "id", item.ID)
		stats.Requeued++
	default:
		e.park(ctx, item, stats, err)
	}
}

func (e *Engine) syncDelete(ctx context.Context, item *model.Item, stats *Stats) {
	err := e.remote.Delete(ctx, item)
	switch {
	case err == nil, errors.Is(err, model.ErrNotFound):
		// Already-gone counts as success: the goal state is reached.
		removed, err := e.store.DeleteIfSyncing(ctx, e.kind, item.ID)
		if err != nil {
			e.log.Error("removing deleted item failed", "kind", e.kind, "id", item.ID, "error", err)
			stats.Errors++
			return
		}
		if !removed {
			e.log.Debug("item recreated during delete, yielding", "kind", e.kind, "id", item.ID)
			stats.Conflicts++
			return
		}
		e.log.Debug("item deleted", "kind", e.kind, "id", item.ID)
		stats.Deleted++
	case errors.Is(err, model.ErrUnavailable):
		e.requeue(ctx, item, stats, err)
	default:
		e.park(ctx, item, stats, err)
	}
}

// settle closes a successful dispatch, yielding if a concurrent
// mutation rewrote the row while the call was in flight.
func (e *Engine) settle(ctx context.Context, item *model.Item, stats *Stats) {
	ok, err := e.store.FinishSync(ctx, e.kind, item.ID)
	if err != nil {
		e.log.Error("finishing sync failed", "kind", e.kind, "id", item.ID, "error", err)
		stats.Errors++
		return
	}
	if !ok {
		e.log.Debug("item mutated during sync, yielding", "kind", e.kind, "id", item.ID)
		stats.Conflicts++
		return
	}
	e.log.Debug("item synced", "kind", e.kind, "id", item.ID)
	stats.Synced++
}

// requeue returns an item to its originating pending status after a
// transient failure.
func (e *Engine) requeue(ctx context.Context, item *model.Item, stats *Stats, cause error) {
	if _, err := e.store.Requeue(ctx, e.kind, item.ID); err != nil {
		e.log.Error("requeueing item failed", "kind", e.kind, "id", item.ID, "error", err)
		stats.Errors++
		return
	}
	e.log.Debug("transient failure, item requeued", "kind", e.kind, "id", item.ID, "error", cause)
	stats.Requeued++
}

// park moves an item into the error state, excluding it from sweeps
// until an explicit retry or a fresh local mutation.
func (e *Engine) park(ctx context.Context, item *model.Item, stats *Stats, cause error) {
	reason := model.ReasonForError(cause)
	if _, err := e.store.MarkError(ctx, e.kind, item.ID, reason); err != nil {
		e.log.Error("marking item errored failed", "kind", e.kind, "id", item.ID, "error", err)
		stats.Errors++
		return
	}
	e.log.Warn("item sync failed", "kind", e.kind, "id", item.ID, "reason", reason, "error", cause)
	stats.Errors++
}

// newBackoffPolicy builds the sweep loop's idle backoff. Randomization
// is disabled: the interval grows by exactly GrowthFactor per quiet
// cycle and resets to MinSleep on wake.
func newBackoffPolicy(p Pacing) *backoff.ExponentialBackOff {
	pol := &backoff.ExponentialBackOff{
		InitialInterval:     p.MinSleep,
		MaxInterval:         p.MaxSleep,
		Multiplier:          p.GrowthFactor,
		RandomizationFactor: 0,
	}
	pol.Reset()
	return pol
}
