package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/types"
)

const (
	defaultChannelPrefix = "fieldsync:status:"
	defaultBuffer        = 64
	initialBackoff       = time.Second
	maxBackoffDelay      = 30 * time.Second
)

var (
	publishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "publish_total",
		Help:      "Status messages handed to Redis, by outcome.",
	}, []string{"outcome"})

	publishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "enqueue_to_publish_seconds",
		Help:      "Delay between a status change and its publication.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})
)

func init() {
	prometheus.MustRegister(publishTotal, publishLatency)
}

// Publisher is the subset of the Redis client used here.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Message is what subscribers on the device channel receive.
type Message struct {
	DeviceID   string     `json:"device_id"`
	Kind       types.Kind `json:"kind"`
	Total      int        `json:"total"`
	Pending    int        `json:"pending"`
	EnqueuedAt int64      `json:"enqueued_at"`
}

// RedisPublisher pushes ledger status changes to a per-device Redis channel so
// a supervisor can watch devices drain their queues. Notify never blocks the
// ledger; publication happens on a background goroutine with backoff.
type RedisPublisher struct {
	client   Publisher
	deviceID string
	logger   zerolog.Logger
	channel  string
	queue    chan Message
	now      func() time.Time
	backoff  time.Duration
}

// NewRedisPublisher constructs a publisher for one device.
func NewRedisPublisher(client Publisher, deviceID string, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{
		client:   client,
		deviceID: deviceID,
		logger:   logger,
		channel:  Channel(deviceID),
		queue:    make(chan Message, defaultBuffer),
		now:      time.Now,
		backoff:  initialBackoff,
	}
}

// Channel is the Redis channel carrying a device's status.
func Channel(deviceID string) string {
	return defaultChannelPrefix + deviceID
}

// Notify queues a status for publication. It has the shape of a ledger
// listener. When the queue is full the update is dropped; a later one
// supersedes it.
func (p *RedisPublisher) Notify(s types.Status) {
	msg := Message{
		DeviceID:   p.deviceID,
		Kind:       s.Kind,
		Total:      s.Total,
		Pending:    s.Pending,
		EnqueuedAt: p.now().UTC().UnixNano(),
	}
	select {
	case p.queue <- msg:
	default:
		publishTotal.WithLabelValues("dropped").Inc()
	}
}

// Start begins draining queued statuses until ctx is done.
func (p *RedisPublisher) Start(ctx context.Context) {
	go p.run(ctx)
}

func (p *RedisPublisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			if err := p.Publish(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warn().Err(err).Msg("status publish abandoned")
			}
		}
	}
}

// Publish sends one message, retrying with exponential backoff until it is
// accepted or ctx ends.
func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}

	backoff := p.backoff
	for {
		if err := p.client.Publish(ctx, p.channel, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				publishTotal.WithLabelValues("canceled").Inc()
				return err
			}
			publishTotal.WithLabelValues("retry").Inc()
			p.logger.Warn().Err(err).Str("channel", p.channel).Dur("backoff", backoff).Msg("redis publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				publishTotal.WithLabelValues("canceled").Inc()
				return ctx.Err()
			}
		}
		publishTotal.WithLabelValues("ok").Inc()
		if msg.EnqueuedAt > 0 {
			publishLatency.Observe(float64(p.now().UTC().UnixNano()-msg.EnqueuedAt) / float64(time.Second))
		}
		return nil
	}
}

// Decode parses a payload received on a device channel.
func Decode(payload string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return Message{}, fmt.Errorf("decode payload: %w", err)
	}
	if msg.DeviceID == "" || msg.Kind == "" {
		return Message{}, errors.New("incomplete payload")
	}
	return msg, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
