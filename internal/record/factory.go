package record

import (
	"time"

	"github.com/google/uuid"

	"github.com/example/fieldsync/internal/types"
)

// Factory stamps new submissions with an identifier and capture time.
type Factory struct {
	now   func() time.Time
	newID func() uuid.UUID
}

// Option configures a Factory.
type Option func(*Factory)

// WithClock overrides the capture clock.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) {
		f.now = now
	}
}

// WithIDSource overrides the identifier source. Identifiers must stay
// collision free across devices; this exists for tests.
func WithIDSource(newID func() uuid.UUID) Option {
	return func(f *Factory) {
		f.newID = newID
	}
}

// NewFactory returns a factory using random (version 4) UUIDs and the device
// clock in UTC.
func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.New,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Build wraps an already validated payload into a new, unsynced record.
func Build[P types.Payload](f *Factory, payload P) types.Record[P] {
	return types.Record[P]{
		ID:         types.RecordID(f.newID().String()),
		CapturedAt: f.now(),
		Payload:    payload,
		Synced:     false,
	}
}
