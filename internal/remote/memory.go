package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/example/fieldsync/internal/types"
)

// ErrRejected is returned by Memory for client ids set up to be rejected.
var ErrRejected = errors.New("remote store rejected row")

// StoredRow is a row held by Memory.
type StoredRow struct {
	RemoteID types.RemoteID
	Row      types.Row
}

// Memory is an in-process remote store enforcing the same client_id
// uniqueness as the real tables. It is used by tests and by the
// REMOTE_DRIVER=memory development mode. It can be switched offline and told
// to reject specific records.
type Memory struct {
	mu       sync.Mutex
	online   bool
	rejected map[types.RecordID]struct{}
	tables   map[types.Kind][]StoredRow
	byClient map[types.RecordID]types.RemoteID
	calls    int
	inFlight int
	maxSeen  int
	onInsert func(types.Row)
}

// NewMemory returns an online, empty store.
func NewMemory() *Memory {
	return &Memory{
		online:   true,
		rejected: make(map[types.RecordID]struct{}),
		tables:   make(map[types.Kind][]StoredRow),
		byClient: make(map[types.RecordID]types.RemoteID),
	}
}

// SetOnline toggles reachability.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

// Reject makes inserts of the record fail until Accept is called.
func (m *Memory) Reject(id types.RecordID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[id] = struct{}{}
}

// Accept undoes Reject.
func (m *Memory) Accept(id types.RecordID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rejected, id)
}

// OnInsert installs a hook that runs inside every insert call before the
// store answers. Tests use it to observe or delay calls.
func (m *Memory) OnInsert(fn func(types.Row)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onInsert = fn
}

// Ping implements the reachability probe.
func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return ErrUnreachable
	}
	return nil
}

// Insert implements the sync engine's Inserter.
func (m *Memory) Insert(ctx context.Context, kind types.Kind, row types.Row) (types.RemoteID, error) {
	m.mu.Lock()
	m.calls++
	m.inFlight++
	if m.inFlight > m.maxSeen {
		m.maxSeen = m.inFlight
	}
	hook := m.onInsert
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if hook != nil {
		hook(row)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.online {
		return "", ErrUnreachable
	}
	if _, ok := m.rejected[row.ClientID]; ok {
		return "", fmt.Errorf("%w: %s", ErrRejected, row.ClientID)
	}
	if id, ok := m.byClient[row.ClientID]; ok {
		return id, nil
	}

	id := types.RemoteID(uuid.NewString())
	cols := make(map[string]any, len(row.Columns))
	for k, v := range row.Columns {
		cols[k] = v
	}
	row.Columns = cols
	m.tables[kind] = append(m.tables[kind], StoredRow{RemoteID: id, Row: row})
	m.byClient[row.ClientID] = id
	return id, nil
}

// Rows returns the stored rows of a kind in insert order.
func (m *Memory) Rows(kind types.Kind) []StoredRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StoredRow(nil), m.tables[kind]...)
}

// Calls reports how many insert calls were received, duplicates included.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MaxConcurrent reports the highest number of inserts seen in flight at once.
func (m *Memory) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSeen
}
