package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/ledger"
	"github.com/example/fieldsync/internal/record"
	"github.com/example/fieldsync/internal/storage"
	syncstate "github.com/example/fieldsync/internal/sync"
	"github.com/example/fieldsync/internal/types"
)

// ErrClosed is returned when work is handed to a queue whose worker stopped.
var ErrClosed = errors.New("queue closed")

const defaultBuffer = 256

// Replayer is what reconnection handling and the API need from a queue.
type Replayer interface {
	Kind() types.Kind
	SyncPending(ctx context.Context) (syncstate.Result, error)
	Status() types.Status
}

type job struct {
	run  func(ctx context.Context)
	done chan struct{}
}

// Queue is the single owner of one record kind on the device. Submissions
// become durable in the ledger; every remote call for the kind runs on the
// queue's one worker, so immediate syncs and replays never overlap.
type Queue[P types.Payload] struct {
	factory   *record.Factory
	ledger    *ledger.Ledger[P]
	engine    *syncstate.Engine[P]
	immediate bool
	logger    zerolog.Logger

	jobs      chan job
	startOnce sync.Once
	cancel    context.CancelFunc
	stopped   chan struct{}
}

type options struct {
	factory   *record.Factory
	timeout   time.Duration
	buffer    int
	immediate bool
}

// Option configures a Queue.
type Option func(*options)

// WithFactory replaces the record factory.
func WithFactory(f *record.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithAttemptTimeout bounds each remote insert.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithBuffer sets how many immediate syncs may wait for the worker.
func WithBuffer(n int) Option {
	return func(o *options) { o.buffer = n }
}

// WithImmediateSync turns the post-submit delivery attempt on or off.
func WithImmediateSync(enabled bool) Option {
	return func(o *options) { o.immediate = enabled }
}

// Open loads the kind's ledger from kv and returns a queue delivering to
// remote. Start must be called before work is processed.
func Open[P types.Payload](ctx context.Context, kv storage.KV, remote syncstate.Inserter, logger zerolog.Logger, opts ...Option) (*Queue[P], error) {
	o := options{buffer: defaultBuffer, immediate: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.factory == nil {
		o.factory = record.NewFactory()
	}
	if o.buffer < 1 {
		o.buffer = 1
	}

	l := ledger.New[P](kv, logger)
	if err := l.Load(ctx); err != nil {
		return nil, err
	}

	var engineOpts []syncstate.EngineOption
	if o.timeout > 0 {
		engineOpts = append(engineOpts, syncstate.WithAttemptTimeout(o.timeout))
	}

	return &Queue[P]{
		factory:   o.factory,
		ledger:    l,
		engine:    syncstate.NewEngine(l, remote, logger, engineOpts...),
		immediate: o.immediate,
		logger:    logger.With().Str("kind", string(l.Kind())).Logger(),
		jobs:      make(chan job, o.buffer),
		stopped:   make(chan struct{}),
	}, nil
}

// Start launches the worker. Cancelling ctx or calling Close stops it.
func (q *Queue[P]) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		ctx, q.cancel = context.WithCancel(ctx)
		go q.loop(ctx)
	})
}

// Close stops the worker and waits for the job in progress to finish.
// Unsynced records stay pending in the ledger.
func (q *Queue[P]) Close() {
	q.startOnce.Do(func() { close(q.stopped) })
	if q.cancel != nil {
		q.cancel()
	}
	<-q.stopped
}

func (q *Queue[P]) loop(ctx context.Context) {
	defer close(q.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.jobs:
			j.run(ctx)
			if j.done != nil {
				close(j.done)
			}
		}
	}
}

// Kind reports the record family.
func (q *Queue[P]) Kind() types.Kind { return q.ledger.Kind() }

// Submit records a new entry. It returns once the record is durable on the
// device; an error means the record was not saved. Delivery is attempted
// afterwards in the background and is only observable through the pending
// count.
func (q *Queue[P]) Submit(ctx context.Context, payload P) (types.Record[P], error) {
	rec := record.Build(q.factory, payload)
	if err := q.ledger.Append(ctx, rec); err != nil {
		q.logger.Error().Err(err).Str("record_id", string(rec.ID)).Msg("record not saved")
		return types.Record[P]{}, err
	}

	if q.immediate {
		select {
		case q.jobs <- job{run: func(ctx context.Context) { q.engine.SyncOne(ctx, rec) }}:
		default:
			q.logger.Debug().Str("record_id", string(rec.ID)).Msg("sync backlog full; record waits for replay")
		}
	}
	return rec, nil
}

// SyncPending replays every record pending at the time of the call and waits
// for the run to finish. Records submitted later wait for their own sync.
// Cancelling ctx stops the wait, not the run.
func (q *Queue[P]) SyncPending(ctx context.Context) (syncstate.Result, error) {
	pending := q.ledger.Pending()
	var res syncstate.Result
	err := q.do(ctx, func(wctx context.Context) {
		res = q.engine.SyncRecords(wctx, pending)
	})
	if err != nil {
		return syncstate.Result{}, err
	}
	return res, nil
}

// Flush waits until all work queued before the call has finished.
func (q *Queue[P]) Flush(ctx context.Context) error {
	return q.do(ctx, func(context.Context) {})
}

func (q *Queue[P]) do(ctx context.Context, fn func(context.Context)) error {
	j := job{run: fn, done: make(chan struct{})}
	select {
	case q.jobs <- j:
	case <-q.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-j.done:
		return nil
	case <-q.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingCount returns the number of records awaiting delivery.
func (q *Queue[P]) PendingCount() int { return q.ledger.PendingCount() }

// Status returns the derived pending view.
func (q *Queue[P]) Status() types.Status { return q.ledger.Status() }

// Records returns a read-only copy of the ledger.
func (q *Queue[P]) Records() []types.Record[P] { return q.ledger.Records() }

// Snapshot encodes the ledger as it is persisted.
func (q *Queue[P]) Snapshot() ([]byte, error) { return q.ledger.Snapshot() }

// Subscribe registers a status listener; see ledger.Ledger.Subscribe.
func (q *Queue[P]) Subscribe(fn ledger.Listener) func() { return q.ledger.Subscribe(fn) }
