package wal

import (
	"fmt"
	"os"
	"time"
)

// CleanupStats tracks cleanup operation results
type CleanupStats struct {
	FilesRemoved  int
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// Cleanup removes journal files last modified before the retention period.
// The file currently being written is never removed.
func (w *WAL) Cleanup() (CleanupStats, error) {
	w.mu.Lock()
	current := ""
	if w.file != nil {
		current = w.file.Name()
	}
	now := w.clock.Now()
	w.mu.Unlock()

	return cleanup(w.dir, w.config, now, current)
}

// Cleanup removes old journal files from dir without an open journal.
func Cleanup(dir string, config Config, now time.Time) (CleanupStats, error) {
	return cleanup(dir, config.withDefaults(), now, "")
}

func cleanup(dir string, config Config, now time.Time, keep string) (CleanupStats, error) {
	stats := CleanupStats{}
	cutoff := now.AddDate(0, 0, -config.RetentionDays)

	var files []string
	for _, file := range listFiles(dir, config.FilePrefix) {
		if file != keep && isOlderThan(file, cutoff) {
			files = append(files, file)
		}
	}
	if len(files) == 0 {
		return stats, nil
	}

	stats.FilesRemoved = len(files)
	stats.BytesFreed = calculateTotalSize(files)
	stats.OldestRemoved, stats.NewestRemoved = findTimeRange(files)

	return stats, removeFiles(files)
}

func isOlderThan(path string, cutoff time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().Before(cutoff)
}

func removeFiles(files []string) error {
	for _, file := range files {
		if err := os.Remove(file); err != nil {
			return fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	return nil
}

func calculateTotalSize(files []string) int64 {
	var total int64
	for _, file := range files {
		if info, err := os.Stat(file); err == nil {
			total += info.Size()
		}
	}
	return total
}

// findTimeRange returns oldest and newest file modification times
func findTimeRange(files []string) (oldest, newest time.Time) {
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}

		modTime := info.ModTime()
		if oldest.IsZero() || modTime.Before(oldest) {
			oldest = modTime
		}
		if modTime.After(newest) {
			newest = modTime
		}
	}
	return oldest, newest
}
