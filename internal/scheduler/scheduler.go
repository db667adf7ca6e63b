// Package scheduler runs the capture retention cleaner and the daily capture
// statistics.
package scheduler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/config"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/events"
)

// CaptureExt is the extension of capture files the cleaner may remove.
const CaptureExt = ".ppac"

// Scheduler manages periodic background tasks.
type Scheduler struct {
	captureDir string
	retention  config.RetentionConfig
	eventBus   *events.EventBus
}

// NewScheduler creates a scheduler for the captures under captureDir.
func NewScheduler(captureDir string, retention config.RetentionConfig, eventBus *events.EventBus) *Scheduler {
	return &Scheduler{
		captureDir: captureDir,
		retention:  retention,
		eventBus:   eventBus,
	}
}

// Start runs the scheduled tasks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.retention.Enabled && s.retention.RetentionDays > 0 {
		go s.runCleanerLoop(ctx)
	}
	go s.runStatsLoop(ctx)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runCleanerLoop(ctx context.Context) {
	for {
		nextRun := NextRun(s.retention.CleanupTime, time.Now())
		log.Info().Time("next_run", nextRun).Msg("capture cleaner scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(nextRun)):
			s.Cleanup(ctx, time.Now())
		}
	}
}

// CleanupResult summarizes one cleaner pass.
type CleanupResult struct {
	Removed []string
	Freed   int64
}

// Cleanup removes capture files last written more than the retention period
// before now. Every removal is announced on the bus before Cleanup returns.
func (s *Scheduler) Cleanup(ctx context.Context, now time.Time) CleanupResult {
	var res CleanupResult
	maxAge := time.Duration(s.retention.RetentionDays) * 24 * time.Hour

	log.Info().
		Str("directory", s.captureDir).
		Int("retention_days", s.retention.RetentionDays).
		Msg("running capture cleaner")

	err := filepath.WalkDir(s.captureDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.captureDir {
				return err
			}
			return nil
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), CaptureExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		age := now.Sub(info.ModTime())
		if age <= maxAge {
			return nil
		}
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("failed to remove capture")
			return nil
		}
		res.Removed = append(res.Removed, path)
		res.Freed += info.Size()
		log.Debug().Str("file", path).Msg("removed old capture")

		if s.eventBus != nil {
			s.eventBus.EmitSync(ctx, events.Event{
				Type:   events.EventCaptureRemoved,
				Source: "scheduler",
				Payload: events.CaptureRemovedPayload{
					Path: path,
					Age:  age.Truncate(time.Minute).String(),
				},
			})
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("capture cleaner encountered errors")
	}

	log.Info().
		Int("removed", len(res.Removed)).
		Str("freed", humanize.Bytes(uint64(res.Freed))).
		Msg("capture cleaner completed")
	return res
}

func (s *Scheduler) runStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, size := CaptureStats(s.captureDir)
			log.Info().
				Int("captures", count).
				Str("size", humanize.Bytes(uint64(size))).
				Msg("daily capture stats")
		}
	}
}

// CaptureStats counts the capture files under dir and their total size.
func CaptureStats(dir string) (int, int64) {
	var count int
	var size int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.EqualFold(filepath.Ext(path), CaptureExt) {
			return nil
		}
		if info, err := d.Info(); err == nil {
			count++
			size += info.Size()
		}
		return nil
	})
	return count, size
}

// NextRun returns the next occurrence of the "HH:MM" clock time after now.
// Unparseable times fall back to 04:00.
func NextRun(clock string, now time.Time) time.Time {
	hour, minute := 4, 0
	var h, m int
	if _, err := fmt.Sscanf(clock, "%d:%d", &h, &m); err == nil && h >= 0 && h < 24 && m >= 0 && m < 60 {
		hour, minute = h, m
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
