package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when nothing has been stored under the key.
var ErrNotFound = errors.New("storage: key not found")

// KV is the device storage a ledger persists into. Set replaces the whole
// value under the key; a failed Set must leave the previous value readable.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Instrumented wraps a KV with latency and failure metrics labelled by backend.
type Instrumented struct {
	kv      KV
	backend string
}

// Instrument returns kv wrapped with storage metrics.
func Instrument(kv KV, backend string) *Instrumented {
	return &Instrumented{kv: kv, backend: backend}
}

// Get implements KV.
func (i *Instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	value, err := i.kv.Get(ctx, key)
	readLatency.WithLabelValues(i.backend).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrNotFound) {
		operationFailures.WithLabelValues(i.backend, "get").Inc()
	}
	return value, err
}

// Set implements KV.
func (i *Instrumented) Set(ctx context.Context, key string, value []byte) error {
	ctx, span := tracer.Start(ctx, "storage.Set")
	defer span.End()

	start := time.Now()
	err := i.kv.Set(ctx, key, value)
	writeLatency.WithLabelValues(i.backend).Observe(time.Since(start).Seconds())
	writeBytes.WithLabelValues(i.backend).Observe(float64(len(value)))
	if err != nil {
		span.RecordError(err)
		operationFailures.WithLabelValues(i.backend, "set").Inc()
	}
	return err
}
