package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLogger_Basic(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := NewFileLogger(FileLoggerConfig{
		BasePath: tmpDir,
		MaxSize:  1024 * 1024,
		MaxFiles: 5,
	})
	require.NoError(t, err)
	defer logger.Close()

	event := NewEvent(context.Background(), EventTypePermissionGrant, EventStatusSuccess)
	event.ObjectKind = "repository"
	event.ObjectName = "vcs/core"
	event.SubjectKind = "user"
	event.SubjectName = "alice"
	event.Permission = "repository.write"

	require.NoError(t, logger.Log(context.Background(), event))
	assert.FileExists(t, filepath.Join(tmpDir, "audit.log"))

	events, err := logger.Recent(context.Background(), "", "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventTypePermissionGrant, events[0].EventType)
	assert.Equal(t, "alice", events[0].SubjectName)
	assert.Equal(t, "repository.write", events[0].Permission)
	assert.Equal(t, event.ID, events[0].ID)
}

func TestFileLogger_Recent(t *testing.T) {
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	defer logger.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Log(ctx, &Event{
			ID:         fmt.Sprintf("core-%d", i),
			Timestamp:  time.Now().UTC(),
			EventType:  EventTypePermissionRevoke,
			Status:     EventStatusSuccess,
			ObjectKind: "repository",
			ObjectName: "vcs/core",
		}))
		require.NoError(t, logger.Log(ctx, &Event{
			ID:         fmt.Sprintf("group-%d", i),
			EventType:  EventTypeCascadeGrant,
			ObjectKind: "group",
			ObjectName: "vcs",
		}))
	}

	events, err := logger.Recent(ctx, "repository", "vcs/core", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "core-4", events[0].ID)
	assert.Equal(t, "core-2", events[2].ID)

	all, err := logger.Recent(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 10)
	assert.Equal(t, "group-4", all[0].ID)

	none, err := logger.Recent(ctx, "usergroup", "", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFileLogger_Rotation(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := NewFileLogger(FileLoggerConfig{
		BasePath: tmpDir,
		Rotate:   true,
		MaxSize:  200,
		MaxFiles: 2,
	})
	require.NoError(t, err)
	defer logger.Close()

	for i := 0; i < 20; i++ {
		event := NewEvent(context.Background(), EventTypeCascadeGrant, EventStatusSuccess)
		event.Message = "cascade applied to a fairly long repository group path"
		require.NoError(t, logger.Log(context.Background(), event))
	}

	rotated, err := filepath.Glob(filepath.Join(tmpDir, "audit-*.log"))
	require.NoError(t, err)
	assert.NotEmpty(t, rotated)
	assert.LessOrEqual(t, len(rotated), 2)
}

func TestFileLogger_LogAfterClose(t *testing.T) {
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	err = logger.Log(context.Background(), &Event{EventType: EventTypePermissionGrant})
	assert.Error(t, err)
	assert.NoError(t, logger.Close())
}

func TestNewFileLogger_BadPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	_, err := NewFileLogger(FileLoggerConfig{BasePath: filepath.Join(file, "audit")})
	assert.Error(t, err)
}
