package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct {
	mu     sync.Mutex
	events []*Event
	err    error
	closed bool
}

func (m *mockLogger) Log(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockLogger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockLogger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestMultiLogger_Log_Sync(t *testing.T) {
	logger1 := &mockLogger{}
	logger2 := &mockLogger{}

	multi := NewMultiLogger(logger1, logger2)

	err := multi.Log(context.Background(), NewEvent(context.Background(), EventTypeGlobalGrant, EventStatusSuccess))
	require.NoError(t, err)

	assert.Equal(t, 1, logger1.count())
	assert.Equal(t, 1, logger2.count())
}

func TestMultiLogger_Log_ContinuesAfterFailure(t *testing.T) {
	failing := &mockLogger{err: errors.New("disk full")}
	ok := &mockLogger{}
	alsoFailing := &mockLogger{err: errors.New("unavailable")}

	multi := NewMultiLogger(failing, ok, alsoFailing)
	err := multi.Log(context.Background(), &Event{EventType: EventTypePermissionGrant})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "unavailable")
	assert.Equal(t, 1, ok.count())
}

type readableLogger struct {
	mockLogger
}

func (r *readableLogger) Recent(ctx context.Context, objectKind, objectName string, limit int) ([]*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events, nil
}

func TestMultiLogger_Recent(t *testing.T) {
	_, err := NewMultiLogger(&mockLogger{}).Recent(context.Background(), "", "", 10)
	assert.Error(t, err)

	reader := &readableLogger{}
	multi := NewMultiLogger(&mockLogger{}, reader)
	require.NoError(t, multi.Log(context.Background(), &Event{EventType: EventTypeCascadeRevoke}))

	events, err := multi.Recent(context.Background(), "", "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeCascadeRevoke, events[0].EventType)
}

func TestMultiLogger_Close(t *testing.T) {
	logger1 := &mockLogger{}
	logger2 := &mockLogger{}

	multi := NewMultiLogger(logger1, logger2)
	require.NoError(t, multi.Close())
	assert.True(t, logger1.closed)
	assert.True(t, logger2.closed)
}

func TestMultiLogger_Empty(t *testing.T) {
	assert.NoError(t, NewMultiLogger().Log(context.Background(), &Event{}))
}
