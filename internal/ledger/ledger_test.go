package ledger

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fieldsync/internal/record"
	"github.com/example/fieldsync/internal/storage"
	"github.com/example/fieldsync/internal/types"
)

func zeroLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newIncidentLedger(t *testing.T, kv storage.KV) *Ledger[types.Incident] {
	t.Helper()
	l := New[types.Incident](kv, zeroLogger())
	require.NoError(t, l.Load(context.Background()))
	return l
}

func incident(f *record.Factory, zip string) types.Record[types.Incident] {
	return record.Build(f, types.Incident{ZipCode: zip, Gender: "Female", ApproxAge: "26-35", NarcanUsed: true, Survival: "Survived"})
}

func assertPendingConsistent[P types.Payload](t *testing.T, l *Ledger[P]) {
	t.Helper()
	var unsynced int
	for _, r := range l.Records() {
		if !r.Synced {
			unsynced++
		}
	}
	assert.Equal(t, unsynced, l.PendingCount())
	assert.Len(t, l.Pending(), unsynced)
}

func TestLoadEmptyWhenNothingPersisted(t *testing.T) {
	l := newIncidentLedger(t, storage.NewMemory())
	assert.Empty(t, l.Records())
	assert.Equal(t, 0, l.PendingCount())
}

func TestAppendIsDurableAcrossRestart(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	f := record.NewFactory()

	l := newIncidentLedger(t, kv)
	first := incident(f, "10001")
	second := incident(f, "10002")
	require.NoError(t, l.Append(ctx, first))
	require.NoError(t, l.Append(ctx, second))

	restarted := newIncidentLedger(t, kv)
	records := restarted.Records()
	require.Len(t, records, 2)
	assert.Equal(t, first.ID, records[0].ID)
	assert.Equal(t, second.ID, records[1].ID)
	assert.Equal(t, "10002", records[1].Payload.ZipCode)
	assert.True(t, first.CapturedAt.Equal(records[0].CapturedAt))
	assert.Equal(t, 2, restarted.PendingCount())
}

func TestAppendRollsBackWhenPersistFails(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	f := record.NewFactory()
	l := newIncidentLedger(t, kv)
	require.NoError(t, l.Append(ctx, incident(f, "10001")))

	kv.FailWrites(true)
	err := l.Append(ctx, incident(f, "10002"))
	require.ErrorIs(t, err, ErrPersist)

	assert.Len(t, l.Records(), 1)
	assert.Equal(t, 1, l.PendingCount())

	kv.FailWrites(false)
	restarted := newIncidentLedger(t, kv)
	assert.Len(t, restarted.Records(), 1)
}

func TestAppendRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	l := newIncidentLedger(t, storage.NewMemory())
	rec := incident(record.NewFactory(), "10001")

	require.NoError(t, l.Append(ctx, rec))
	assert.ErrorIs(t, l.Append(ctx, rec), ErrDuplicateRecord)
	assert.Len(t, l.Records(), 1)
}

func TestMarkSyncedPersistsFlag(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	l := newIncidentLedger(t, kv)
	rec := incident(record.NewFactory(), "10001")
	require.NoError(t, l.Append(ctx, rec))

	require.NoError(t, l.MarkSynced(ctx, rec.ID))
	assert.Equal(t, 0, l.PendingCount())

	restarted := newIncidentLedger(t, kv)
	got, ok := restarted.Get(rec.ID)
	require.True(t, ok)
	assert.True(t, got.Synced)
}

func TestMarkSyncedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	f := record.NewFactory()
	l := newIncidentLedger(t, kv)
	a, b := incident(f, "1"), incident(f, "2")
	require.NoError(t, l.Append(ctx, a))
	require.NoError(t, l.Append(ctx, b))

	require.NoError(t, l.MarkSynced(ctx, a.ID))
	once := l.Records()
	writes := kv.Writes()

	require.NoError(t, l.MarkSynced(ctx, a.ID))
	assert.Equal(t, once, l.Records())
	assert.Equal(t, writes, kv.Writes(), "second call must not rewrite storage")
	assert.Equal(t, 1, l.PendingCount())
}

func TestMarkSyncedUnknownIDIsNoop(t *testing.T) {
	ctx := context.Background()
	l := newIncidentLedger(t, storage.NewMemory())
	require.NoError(t, l.Append(ctx, incident(record.NewFactory(), "1")))

	assert.NoError(t, l.MarkSynced(ctx, "no-such-record"))
	assert.Equal(t, 1, l.PendingCount())
}

func TestMarkSyncedNeverRevertsOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	l := newIncidentLedger(t, kv)
	rec := incident(record.NewFactory(), "1")
	require.NoError(t, l.Append(ctx, rec))

	kv.FailWrites(true)
	err := l.MarkSynced(ctx, rec.ID)
	require.ErrorIs(t, err, ErrPersist)

	got, _ := l.Get(rec.ID)
	assert.True(t, got.Synced)
	assert.Equal(t, 0, l.PendingCount())

	// Storage lags memory: after a restart the record is pending again.
	kv.FailWrites(false)
	restarted := newIncidentLedger(t, kv)
	assert.Equal(t, 1, restarted.PendingCount())
}

func TestLoadCorruptStateDegradesToEmpty(t *testing.T) {
	kv := storage.NewMemory()
	kv.Put("incidents", []byte(`[{"record_id":"a","synced":fal`))

	var buf bytes.Buffer
	l := New[types.Incident](kv, zerolog.New(&buf))
	l.now = func() time.Time { return time.Unix(1700000000, 0) }
	require.NoError(t, l.Load(context.Background()))

	assert.Empty(t, l.Records())
	assert.Equal(t, 0, l.PendingCount())
	assert.Contains(t, buf.String(), "ledger state unusable")

	quarantined, err := kv.Get(context.Background(), "incidents.corrupt.1700000000")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(quarantined), `[{"record_id":"a"`))
}

type unreadableKV struct {
	storage.KV
}

func (unreadableKV) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk I/O error")
}

func TestLoadUnreadableStorageDegradesToEmpty(t *testing.T) {
	failures := loadFailures.WithLabelValues(string(types.KindIncident))
	before := testutil.ToFloat64(failures)

	var buf bytes.Buffer
	l := New[types.Incident](unreadableKV{KV: storage.NewMemory()}, zerolog.New(&buf))
	require.NoError(t, l.Load(context.Background()))

	assert.Empty(t, l.Records())
	assert.Equal(t, 0, l.PendingCount())
	assert.Contains(t, buf.String(), "disk I/O error")
	assert.Equal(t, before+1, testutil.ToFloat64(failures))
}

func TestLoadRejectsRecordsWithoutIdentifier(t *testing.T) {
	kv := storage.NewMemory()
	kv.Put("incidents", []byte(`[{"captured_at":"2024-01-01T00:00:00Z","synced":false}]`))

	l := newIncidentLedger(t, kv)
	assert.Empty(t, l.Records())
}

func TestKindsUseSeparateKeys(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	f := record.NewFactory()

	incidents := newIncidentLedger(t, kv)
	distributions := New[types.Distribution](kv, zeroLogger())
	require.NoError(t, distributions.Load(ctx))

	require.NoError(t, incidents.Append(ctx, incident(f, "1")))
	require.NoError(t, distributions.Append(ctx, record.Build(f, types.Distribution{KitType: "narcan", KitsGiven: 2})))

	assert.ElementsMatch(t, []string{"incidents", "distributions"}, kv.Keys())
	assert.Equal(t, types.KindDistribution, distributions.Kind())
}

func TestPendingCountTracksEveryMutation(t *testing.T) {
	ctx := context.Background()
	f := record.NewFactory()
	l := newIncidentLedger(t, storage.NewMemory())

	var ids []types.RecordID
	for i := 0; i < 5; i++ {
		rec := incident(f, "1000"+string(rune('0'+i)))
		ids = append(ids, rec.ID)
		require.NoError(t, l.Append(ctx, rec))
		assertPendingConsistent(t, l)
	}
	for _, id := range []types.RecordID{ids[3], ids[0], ids[3], "missing"} {
		require.NoError(t, l.MarkSynced(ctx, id))
		assertPendingConsistent(t, l)
	}
	assert.Equal(t, 3, l.PendingCount())

	pending := l.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, []types.RecordID{ids[1], ids[2], ids[4]}, []types.RecordID{pending[0].ID, pending[1].ID, pending[2].ID})
}

func TestSubscribeReceivesStatus(t *testing.T) {
	ctx := context.Background()
	l := newIncidentLedger(t, storage.NewMemory())
	rec := incident(record.NewFactory(), "1")

	var got []types.Status
	unsubscribe := l.Subscribe(func(s types.Status) { got = append(got, s) })

	require.NoError(t, l.Append(ctx, rec))
	require.NoError(t, l.MarkSynced(ctx, rec.ID))
	unsubscribe()
	require.NoError(t, l.Append(ctx, incident(record.NewFactory(), "2")))

	assert.Equal(t, []types.Status{
		{Kind: types.KindIncident, Total: 1, Pending: 1},
		{Kind: types.KindIncident, Total: 1, Pending: 0},
	}, got)
}

func TestSubscribeEndsOnLatestStatusWhenMutationsInterleave(t *testing.T) {
	ctx := context.Background()
	l := newIncidentLedger(t, storage.NewMemory())
	rec := incident(record.NewFactory(), "1")

	var (
		mu   sync.Mutex
		last types.Status
		once sync.Once
	)
	entered := make(chan struct{})
	release := make(chan struct{})
	l.Subscribe(func(s types.Status) {
		if s.Pending == 1 {
			// Hold the append's delivery open while the record gets synced.
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		mu.Lock()
		last = s
		mu.Unlock()
	})

	appended := make(chan error, 1)
	go func() { appended <- l.Append(ctx, rec) }()
	<-entered

	marked := make(chan error, 1)
	go func() { marked <- l.MarkSynced(ctx, rec.ID) }()
	require.Eventually(t, func() bool { return l.PendingCount() == 0 }, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, <-appended)
	require.NoError(t, <-marked)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, types.Status{Kind: types.KindIncident, Total: 1, Pending: 0}, last)
}

func TestSnapshotEncodesCurrentSequence(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	l := newIncidentLedger(t, kv)

	empty, err := l.Snapshot()
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(empty))

	rec := incident(record.NewFactory(), "10001")
	require.NoError(t, l.Append(ctx, rec))
	require.NoError(t, l.MarkSynced(ctx, rec.ID))

	snap, err := l.Snapshot()
	require.NoError(t, err)
	persisted, err := kv.Get(ctx, "incidents")
	require.NoError(t, err)
	assert.JSONEq(t, string(persisted), string(snap))

	decoded, err := types.DecodeRecords[types.Incident](snap)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.True(t, decoded[0].Synced)
}
