package syncstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/fieldsync/internal/ledger"
	"github.com/example/fieldsync/internal/observability"
	"github.com/example/fieldsync/internal/types"
)

// ErrRemote wraps failures reported by the remote store. It never leaves this
// package except in logs.
var ErrRemote = errors.New("remote sync failed")

const defaultAttemptTimeout = 15 * time.Second

// Inserter is the remote store. Implementations must deduplicate on
// Row.ClientID so that retried inserts of the same record collapse into one
// row; the engine delivers at least once and cannot detect a lost ack.
type Inserter interface {
	Insert(ctx context.Context, kind types.Kind, row types.Row) (types.RemoteID, error)
}

// Result summarises a replay run.
type Result struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
}

// Engine pushes records of one kind to the remote store and records
// confirmed deliveries in the ledger.
type Engine[P types.Payload] struct {
	ledger  *ledger.Ledger[P]
	remote  Inserter
	timeout time.Duration
	logger  zerolog.Logger
	kind    string
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	timeout time.Duration
}

// WithAttemptTimeout bounds a single remote insert.
func WithAttemptTimeout(d time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.timeout = d
	}
}

// NewEngine constructs an engine for the ledger.
func NewEngine[P types.Payload](l *ledger.Ledger[P], remote Inserter, logger zerolog.Logger, opts ...EngineOption) *Engine[P] {
	o := engineOptions{timeout: defaultAttemptTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine[P]{
		ledger:  l,
		remote:  remote,
		timeout: o.timeout,
		logger:  logger.With().Str("kind", string(l.Kind())).Logger(),
		kind:    string(l.Kind()),
	}
}

// SyncOne sends the record to the remote store. On acknowledgement the record
// is marked synced and true is returned. Any remote failure leaves the record
// pending and returns false; it is logged, never returned.
func (e *Engine[P]) SyncOne(ctx context.Context, rec types.Record[P]) bool {
	if current, ok := e.ledger.Get(rec.ID); ok && current.Synced {
		attempts.WithLabelValues(e.kind, "skipped").Inc()
		return true
	}

	ctx, span := tracer.Start(ctx, "sync.SyncOne", trace.WithAttributes(
		attribute.String("record.kind", e.kind),
		attribute.String("record.id", string(rec.ID)),
	))
	defer span.End()
	logger := observability.LoggerWithTrace(ctx, e.logger)

	insertCtx, cancel := context.WithTimeout(ctx, e.timeout)
	start := time.Now()
	remoteID, err := e.remote.Insert(insertCtx, rec.Kind(), rec.Row())
	cancel()
	insertLatency.WithLabelValues(e.kind).Observe(time.Since(start).Seconds())

	if err != nil {
		err = fmt.Errorf("%w: %v", ErrRemote, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		attempts.WithLabelValues(e.kind, "failed").Inc()
		logger.Warn().Err(err).Str("record_id", string(rec.ID)).Msg("record left pending")
		return false
	}

	attempts.WithLabelValues(e.kind, "synced").Inc()
	if err := e.ledger.MarkSynced(ctx, rec.ID); err != nil {
		// The remote holds the row; a later replay re-sends it and the
		// remote deduplicates on client id.
		logger.Error().Err(err).Str("record_id", string(rec.ID)).Msg("synced flag not persisted")
	}
	logger.Debug().Str("record_id", string(rec.ID)).Str("remote_id", string(remoteID)).Msg("record synced")
	return true
}

// SyncPending snapshots the pending records and syncs them one at a time in
// ledger order. Records appended during the run wait for the next one. A
// cancelled context ends the run early; untried records stay pending.
func (e *Engine[P]) SyncPending(ctx context.Context) Result {
	return e.SyncRecords(ctx, e.ledger.Pending())
}

// SyncRecords runs a replay over a snapshot taken earlier by the caller.
// Entries synced since the snapshot are skipped by SyncOne.
func (e *Engine[P]) SyncRecords(ctx context.Context, pending []types.Record[P]) Result {
	timer := prometheus.NewTimer(replayLatency.WithLabelValues(e.kind))
	defer timer.ObserveDuration()

	var res Result
	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		if e.SyncOne(ctx, rec) {
			res.Synced++
		} else {
			res.Failed++
		}
	}

	if res.Attempted > 0 {
		e.logger.Info().
			Int("attempted", res.Attempted).
			Int("synced", res.Synced).
			Int("failed", res.Failed).
			Int("pending", e.ledger.PendingCount()).
			Msg("replay finished")
	}
	return res
}
