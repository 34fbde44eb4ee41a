package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
)

func TestFSArchiverWritesAndOverwrites(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFSArchiver(dir)
	require.NoError(t, err)

	cyc := &domain.Cycle{
		ID:        "c-1",
		Number:    3,
		Status:    domain.CycleRunning,
		StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Stats:     domain.CycleStats{TasksCompleted: 2, RunsTotal: 4},
	}
	at := cyc.StartedAt.Add(time.Hour)
	require.NoError(t, a.Archive(context.Background(), cyc, at))

	path := filepath.Join(dir, "cycles", "cycle-00003-c-1.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "c-1", doc.CycleID)
	assert.Equal(t, 2, doc.Stats.TasksCompleted)
	assert.True(t, doc.ArchivedAt.Equal(at))

	// Archiving again replaces the snapshot in place.
	cyc.Stats.TasksCompleted = 5
	require.NoError(t, a.Archive(context.Background(), cyc, at.Add(time.Hour)))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 5, doc.Stats.TasksCompleted)
}

func TestFactorySelection(t *testing.T) {
	arch, err := New(context.Background(), config.SnapshotConfig{})
	require.NoError(t, err)
	assert.Nil(t, arch)

	_, err = New(context.Background(), config.SnapshotConfig{Type: "tape"})
	assert.Error(t, err)

	arch, err = New(context.Background(), config.SnapshotConfig{Type: "fs", FSDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FSArchiver{}, arch)
}
