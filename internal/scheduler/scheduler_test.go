package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/config"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/events"
)

func touch(t *testing.T, path string, age time.Duration, now time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("PPAC"), 0644))
	mt := now.Add(-age)
	require.NoError(t, os.Chtimes(path, mt, mt))
}

func TestCleanupRemovesOnlyOldCaptures(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := filepath.Join(dir, "old.ppac")
	nested := filepath.Join(dir, "2024", "older.PPAC")
	fresh := filepath.Join(dir, "fresh.ppac")
	other := filepath.Join(dir, "notes.txt")
	touch(t, old, 3*24*time.Hour, now)
	touch(t, nested, 10*24*time.Hour, now)
	touch(t, fresh, time.Hour, now)
	touch(t, other, 30*24*time.Hour, now)

	bus := events.NewEventBus()
	var mu sync.Mutex
	var removed []string
	bus.Subscribe(events.EventCaptureRemoved, "test", func(_ context.Context, e events.Event) error {
		mu.Lock()
		removed = append(removed, e.Payload.(events.CaptureRemovedPayload).Path)
		mu.Unlock()
		return nil
	})

	s := NewScheduler(dir, config.RetentionConfig{Enabled: true, RetentionDays: 2}, bus)
	res := s.Cleanup(context.Background(), now)

	assert.ElementsMatch(t, []string{old, nested}, res.Removed)
	assert.Equal(t, int64(8), res.Freed)
	assert.ElementsMatch(t, []string{old, nested}, removed)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
	assert.NoFileExists(t, old)

	count, size := CaptureStats(dir)
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(4), size)
}

func TestCleanupMissingDir(t *testing.T) {
	s := NewScheduler(filepath.Join(t.TempDir(), "none"), config.RetentionConfig{RetentionDays: 1}, nil)
	assert.Empty(t, s.Cleanup(context.Background(), time.Now()).Removed)
}

func TestNextRun(t *testing.T) {
	loc := time.UTC
	now := time.Date(2024, 3, 10, 5, 30, 0, 0, loc)

	assert.Equal(t, time.Date(2024, 3, 11, 4, 0, 0, 0, loc), NextRun("04:00", now))
	assert.Equal(t, time.Date(2024, 3, 10, 23, 15, 0, 0, loc), NextRun("23:15", now))
	assert.Equal(t, time.Date(2024, 3, 11, 5, 30, 0, 0, loc), NextRun("05:30", now))
	assert.Equal(t, time.Date(2024, 3, 11, 4, 0, 0, 0, loc), NextRun("bogus", now))
	assert.Equal(t, time.Date(2024, 3, 11, 4, 0, 0, 0, loc), NextRun("25:00", now))
}
