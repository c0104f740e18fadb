package reachability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fieldsync/internal/queue"
	"github.com/example/fieldsync/internal/remote"
	"github.com/example/fieldsync/internal/storage"
	syncstate "github.com/example/fieldsync/internal/sync"
	"github.com/example/fieldsync/internal/types"
)

type countingReplayer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingReplayer) Kind() types.Kind { return types.KindDistribution }

func (c *countingReplayer) SyncPending(context.Context) (syncstate.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return syncstate.Result{}, nil
}

func (c *countingReplayer) Status() types.Status { return types.Status{Kind: types.KindDistribution} }

func (c *countingReplayer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestReconnectReplaysPendingRecords(t *testing.T) {
	ctx := context.Background()
	r := remote.NewMemory()
	r.SetOnline(false)

	q, err := queue.Open[types.Incident](ctx, storage.NewMemory(), r, zerolog.Nop(), queue.WithImmediateSync(false))
	require.NoError(t, err)
	q.Start(ctx)
	t.Cleanup(q.Close)

	_, err = q.Submit(ctx, types.Incident{ZipCode: "10001", Gender: "Female", ApproxAge: "26-35", NarcanUsed: true, Survival: "Survived"})
	require.NoError(t, err)

	m := NewMonitor(r, zerolog.Nop())
	m.Register(q)

	assert.False(t, m.Check(ctx))
	assert.Equal(t, 1, q.PendingCount())

	r.SetOnline(true)
	assert.True(t, m.Check(ctx))
	assert.True(t, m.Online())
	assert.Equal(t, 0, q.PendingCount())
	assert.Len(t, r.Rows(types.KindIncident), 1)
}

func TestReplayOnlyOnTransition(t *testing.T) {
	ctx := context.Background()
	r := remote.NewMemory()
	rep := &countingReplayer{}
	m := NewMonitor(r, zerolog.Nop())
	m.Register(rep)

	m.Check(ctx)
	m.Check(ctx)
	assert.Equal(t, 1, rep.count(), "first reachable probe replays, later ones do not")

	r.SetOnline(false)
	m.Check(ctx)
	r.SetOnline(true)
	m.Check(ctx)
	assert.Equal(t, 2, rep.count())
}

func TestOnChangeReportsTransitions(t *testing.T) {
	ctx := context.Background()
	r := remote.NewMemory()
	m := NewMonitor(r, zerolog.Nop())

	var seen []bool
	stop := m.OnChange(func(online bool) { seen = append(seen, online) })

	m.Check(ctx)
	r.SetOnline(false)
	m.Check(ctx)
	m.Check(ctx)
	stop()
	r.SetOnline(true)
	m.Check(ctx)

	assert.Equal(t, []bool{true, false}, seen)
}

func TestStartProbesImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rep := &countingReplayer{}
	m := NewMonitor(remote.NewMemory(), zerolog.Nop(), WithInterval(time.Hour))
	m.Register(rep)
	m.Start(ctx)

	require.Eventually(t, func() bool { return rep.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Online())
}

var _ queue.Replayer = (*countingReplayer)(nil)
