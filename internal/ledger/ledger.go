package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/storage"
	"github.com/example/fieldsync/internal/types"
)

var (
	// ErrPersist marks a failed write to device storage. The triggering
	// operation did not become durable.
	ErrPersist = errors.New("ledger: local persistence failed")
	// ErrCorruptState marks persisted state that could not be decoded.
	ErrCorruptState = errors.New("ledger: persisted state is corrupt")
	// ErrDuplicateRecord is returned when appending an identifier that is
	// already in the ledger.
	ErrDuplicateRecord = errors.New("ledger: duplicate record id")
)

// Listener receives the derived status after every change.
type Listener func(types.Status)

// Ledger is the ordered, durable sequence of records of one kind. It is the
// only component that reads or writes the kind's storage key.
type Ledger[P types.Payload] struct {
	mu      sync.RWMutex
	kv      storage.KV
	kind    types.Kind
	key     string
	records []types.Record[P]
	index   map[types.RecordID]int
	pending int

	// emitMu orders deliveries so listeners always end on the latest status.
	emitMu      sync.Mutex
	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int

	logger zerolog.Logger
	now    func() time.Time
}

// New builds an empty ledger for the payload kind. Call Load before use.
func New[P types.Payload](kv storage.KV, logger zerolog.Logger) *Ledger[P] {
	var zero P
	kind := zero.Kind()
	return &Ledger[P]{
		kv:        kv,
		kind:      kind,
		key:       kind.StorageKey(),
		index:     make(map[types.RecordID]int),
		listeners: make(map[int]Listener),
		logger:    logger.With().Str("kind", string(kind)).Logger(),
		now:       time.Now,
	}
}

// Kind reports the record family held by the ledger.
func (l *Ledger[P]) Kind() types.Kind { return l.kind }

// Load replaces the in-memory sequence with the persisted one. Missing state
// yields an empty ledger. Unreadable or corrupt state also yields an empty
// ledger; the condition is logged and the raw bytes are copied aside.
// Only context errors are returned.
func (l *Ledger[P]) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	records, err := l.read(ctx)
	if err != nil {
		loadFailures.WithLabelValues(string(l.kind)).Inc()
		l.logger.Error().Err(err).Str("key", l.key).Msg("ledger state unusable; starting empty")
		records = nil
	}
	l.replace(records)
	status := l.statusLocked()
	l.mu.Unlock()

	l.logger.Info().Int("total", status.Total).Int("pending", status.Pending).Msg("ledger loaded")
	l.emit()
	return nil
}

func (l *Ledger[P]) read(ctx context.Context) ([]types.Record[P], error) {
	raw, err := l.kv.Get(ctx, l.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorruptState, l.key, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	records, err := types.DecodeRecords[P](raw)
	if err != nil {
		l.quarantine(ctx, raw)
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	seen := make(map[types.RecordID]struct{}, len(records))
	for _, r := range records {
		if _, dup := seen[r.ID]; dup {
			l.quarantine(ctx, raw)
			return nil, fmt.Errorf("%w: record %s stored twice", ErrCorruptState, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return records, nil
}

func (l *Ledger[P]) quarantine(ctx context.Context, raw []byte) {
	key := l.key + ".corrupt." + strconv.FormatInt(l.now().Unix(), 10)
	if err := l.kv.Set(ctx, key, raw); err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("could not quarantine corrupt ledger state")
		return
	}
	l.logger.Warn().Str("key", key).Int("bytes", len(raw)).Msg("corrupt ledger state quarantined")
}

// Append adds the record to the end of the sequence and persists the whole
// sequence. If persisting fails the append is undone and the returned error
// wraps ErrPersist.
func (l *Ledger[P]) Append(ctx context.Context, rec types.Record[P]) error {
	l.mu.Lock()
	if _, exists := l.index[rec.ID]; exists {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.ID)
	}

	l.records = append(l.records, rec)
	l.index[rec.ID] = len(l.records) - 1
	if !rec.Synced {
		l.pending++
	}

	if err := l.persist(ctx); err != nil {
		l.records = l.records[:len(l.records)-1]
		delete(l.index, rec.ID)
		if !rec.Synced {
			l.pending--
		}
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	l.emit()
	return nil
}

// MarkSynced flips the record's synced flag and persists the sequence.
// Unknown and already synced identifiers are a no-op. The flag is never
// reverted, even when persisting fails; in that case the error wraps
// ErrPersist and storage lags memory until the next successful write.
func (l *Ledger[P]) MarkSynced(ctx context.Context, id types.RecordID) error {
	l.mu.Lock()
	idx, ok := l.index[id]
	if !ok || l.records[idx].Synced {
		l.mu.Unlock()
		return nil
	}

	l.records[idx].Synced = true
	l.pending--
	err := l.persist(ctx)
	l.mu.Unlock()

	l.emit()
	return err
}

func (l *Ledger[P]) persist(ctx context.Context) error {
	data, err := types.EncodeRecords(l.records)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersist, err)
	}
	if err := l.kv.Set(ctx, l.key, data); err != nil {
		persistFailures.WithLabelValues(string(l.kind)).Inc()
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

func (l *Ledger[P]) replace(records []types.Record[P]) {
	l.records = records
	l.index = make(map[types.RecordID]int, len(records))
	l.pending = 0
	for i, r := range records {
		l.index[r.ID] = i
		if !r.Synced {
			l.pending++
		}
	}
}

// PendingCount returns the number of records not yet confirmed by the remote.
func (l *Ledger[P]) PendingCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pending
}

// Status returns the derived pending view.
func (l *Ledger[P]) Status() types.Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.statusLocked()
}

func (l *Ledger[P]) statusLocked() types.Status {
	pendingRecords.WithLabelValues(string(l.kind)).Set(float64(l.pending))
	totalRecords.WithLabelValues(string(l.kind)).Set(float64(len(l.records)))
	return types.Status{Kind: l.kind, Total: len(l.records), Pending: l.pending}
}

// Records returns a copy of the sequence in ledger order.
func (l *Ledger[P]) Records() []types.Record[P] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]types.Record[P](nil), l.records...)
}

// Pending returns a snapshot of the unsynced records in ledger order.
func (l *Ledger[P]) Pending() []types.Record[P] {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.Record[P], 0, l.pending)
	for _, r := range l.records {
		if !r.Synced {
			out = append(out, r)
		}
	}
	return out
}

// Snapshot encodes the current sequence the way it is persisted. It lets
// readers such as backups see the ledger without touching device storage.
func (l *Ledger[P]) Snapshot() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return types.EncodeRecords(l.records)
}

// Get looks a record up by identifier.
func (l *Ledger[P]) Get(id types.RecordID) (types.Record[P], bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.index[id]
	if !ok {
		return types.Record[P]{}, false
	}
	return l.records[idx], true
}

// Subscribe registers a listener for status changes. It returns a function
// to unregister the listener. Listeners run synchronously on the mutating
// goroutine, one delivery at a time, and must not call back into the
// ledger's mutating methods. Each delivery carries the status current at
// delivery time, so the last one a listener sees matches the ledger.
func (l *Ledger[P]) Subscribe(listener Listener) func() {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()

	id := l.nextID
	l.nextID++
	l.listeners[id] = listener
	return func() {
		l.listenersMu.Lock()
		defer l.listenersMu.Unlock()
		delete(l.listeners, id)
	}
}

func (l *Ledger[P]) emit() {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	status := l.Status()
	l.listenersMu.Lock()
	listeners := make([]Listener, 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}
