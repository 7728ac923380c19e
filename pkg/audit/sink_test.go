package audit

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/repoperm/pkg/config"
)

func TestNewSink(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	t.Run("nothing enabled", func(t *testing.T) {
		sink, err := NewSink(config.AuditConfig{}, nil, log)
		require.NoError(t, err)
		assert.IsType(t, NopLogger{}, sink)
	})

	t.Run("single sink", func(t *testing.T) {
		sink, err := NewSink(config.AuditConfig{Log: true}, nil, log)
		require.NoError(t, err)
		assert.IsType(t, &LogrusLogger{}, sink)
	})

	t.Run("database requires a handle", func(t *testing.T) {
		dir := t.TempDir()
		_, err := NewSink(config.AuditConfig{Dir: dir, Database: true}, nil, log)
		assert.Error(t, err)
	})

	t.Run("all sinks", func(t *testing.T) {
		db := setupLogDB(t)
		dir := t.TempDir()

		sink, err := NewSink(config.AuditConfig{Dir: dir, Database: true, Log: true}, db, log)
		require.NoError(t, err)
		defer sink.Close()
		require.IsType(t, &MultiLogger{}, sink)

		ctx := context.Background()
		event := NewEvent(ctx, EventTypePermissionGrant, EventStatusSuccess)
		event.ObjectKind = "repository"
		event.ObjectName = "vcs/core"
		require.NoError(t, sink.Log(ctx, event))

		recent, err := (&DBLogger{db: db}).Recent(ctx, "repository", "vcs/core", 10)
		require.NoError(t, err)
		assert.Len(t, recent, 1)

		fl, err := NewFileLogger(FileLoggerConfig{BasePath: dir})
		require.NoError(t, err)
		defer fl.Close()
		events, err := fl.Recent(ctx, "repository", "", 10)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func TestNewSink_Reads(t *testing.T) {
	ctx := context.Background()

	sink, err := NewSink(config.AuditConfig{Log: true}, nil, logrus.New())
	require.NoError(t, err)
	_, ok := sink.(Reader)
	assert.False(t, ok)

	db := setupLogDB(t)
	sink, err = NewSink(config.AuditConfig{Dir: t.TempDir(), Database: true}, db, nil)
	require.NoError(t, err)
	defer sink.Close()
	reader, ok := sink.(Reader)
	require.True(t, ok)

	for _, name := range []string{"vcs/core", "vcs/tools"} {
		event := NewEvent(ctx, EventTypePermissionGrant, EventStatusSuccess)
		event.ObjectKind = "repository"
		event.ObjectName = name
		require.NoError(t, sink.Log(ctx, event))
	}
	events, err := reader.Recent(ctx, "repository", "", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "vcs/tools", events[0].ObjectName)
}
