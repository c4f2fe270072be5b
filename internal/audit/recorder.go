// Package audit delivers engine events to the reporting mirror.
package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/punchamoorthee/settleops/internal/domain"
)

// Recorder persists or forwards audit events.
type Recorder interface {
	Record(ctx context.Context, evt domain.Event) error
	Close() error
}

// NoopRecorder drops every event. Used when no sink is configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (NoopRecorder) Record(context.Context, domain.Event) error { return nil }
func (NoopRecorder) Close() error                              { return nil }

// MemoryRecorder keeps events in memory, mostly for tests.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (m *MemoryRecorder) Record(_ context.Context, evt domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *MemoryRecorder) Close() error { return nil }

// Events returns a copy of everything recorded.
func (m *MemoryRecorder) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.events...)
}

// OfType returns the recorded events of type t in order.
func (m *MemoryRecorder) OfType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// History returns the events of one entity in recording order.
func (m *MemoryRecorder) History(_ context.Context, entity domain.EntityKind, id uint64) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range m.Events() {
		if e.Entity == entity && e.EntityID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

// Fanout sends each event to every recorder and joins their errors.
type Fanout []Recorder

func (f Fanout) Record(ctx context.Context, evt domain.Event) error {
	var errs []error
	for _, r := range f {
		if err := r.Record(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, r := range f {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
