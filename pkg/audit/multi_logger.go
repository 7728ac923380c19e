package audit

import (
	"context"
	"errors"
	"fmt"
)

// MultiLogger fans every event out to several sinks. A failing sink does not
// stop the others.
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger returns a logger writing to all sinks in order.
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	return &MultiLogger{sinks: sinks}
}

// Log writes event to every sink and joins the failures.
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	var errs []error
	for i, s := range m.sinks {
		if err := s.Log(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("audit sink %d (%T): %w", i, s, err))
		}
	}
	return errors.Join(errs...)
}

// Recent reads from the first sink that supports reading.
func (m *MultiLogger) Recent(ctx context.Context, objectKind, objectName string, limit int) ([]*Event, error) {
	for _, s := range m.sinks {
		if r, ok := s.(Reader); ok {
			return r.Recent(ctx, objectKind, objectName, limit)
		}
	}
	return nil, errors.New("no readable audit sink")
}

// Close closes every sink.
func (m *MultiLogger) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close audit sinks: %w", err)
	}
	return nil
}
