package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fieldsync/internal/types"
)

type fakeRedis struct {
	mu       sync.Mutex
	failures int
	channels []string
	payloads []string
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return redis.NewIntResult(0, errors.New("connection refused"))
	}
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.payloads...)
}

func TestNotifyPublishesStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := &fakeRedis{}
	p := NewRedisPublisher(fake, "tablet-7", zerolog.Nop())
	p.Start(ctx)

	p.Notify(types.Status{Kind: types.KindIncident, Total: 2, Pending: 1})

	require.Eventually(t, func() bool { return len(fake.published()) == 1 }, time.Second, 5*time.Millisecond)
	msg, err := Decode(fake.published()[0])
	require.NoError(t, err)
	assert.Equal(t, "tablet-7", msg.DeviceID)
	assert.Equal(t, types.KindIncident, msg.Kind)
	assert.Equal(t, 1, msg.Pending)
	assert.Equal(t, []string{"fieldsync:status:tablet-7"}, fake.channels)
}

func TestPublishRetriesUntilAccepted(t *testing.T) {
	fake := &fakeRedis{failures: 2}
	p := NewRedisPublisher(fake, "tablet-7", zerolog.Nop())
	p.backoff = time.Millisecond

	err := p.Publish(context.Background(), Message{DeviceID: "tablet-7", Kind: types.KindDistribution})
	require.NoError(t, err)
	assert.Len(t, fake.published(), 1)
}

func TestPublishGivesUpWhenContextEnds(t *testing.T) {
	fake := &fakeRedis{failures: 1000}
	p := NewRedisPublisher(fake, "tablet-7", zerolog.Nop())
	p.backoff = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Publish(ctx, Message{DeviceID: "tablet-7", Kind: types.KindIncident})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotifyDropsWhenBacklogFull(t *testing.T) {
	p := NewRedisPublisher(&fakeRedis{}, "tablet-7", zerolog.Nop())
	for i := 0; i < defaultBuffer+10; i++ {
		p.Notify(types.Status{Kind: types.KindIncident, Total: i})
	}
	assert.Len(t, p.queue, defaultBuffer)
}

func TestDecodeRejectsIncompletePayload(t *testing.T) {
	_, err := Decode(`{"kind":"incident"}`)
	assert.Error(t, err)
	_, err = Decode(`not json`)
	assert.Error(t, err)
}
