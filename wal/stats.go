package wal

import (
	"errors"
	"io"
	"time"
)

// Stats summarizes a journal directory.
type Stats struct {
	TotalFiles     int
	TotalSizeBytes int64
	OldestFile     time.Time
	NewestFile     time.Time

	FirstSequence int64
	LastSequence  int64
	Entries       int64
	ByType        map[EntryType]int64
}

// GetStats returns statistics for the open journal's directory.
func (w *WAL) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		_ = w.writer.Flush()
	}
	return GetStatsFromDir(w.dir, w.config)
}

// GetStatsFromDir returns statistics for a journal directory (no open journal needed).
func GetStatsFromDir(dir string, config Config) Stats {
	config = config.withDefaults()
	stats := Stats{ByType: make(map[EntryType]int64)}

	files := listFiles(dir, config.FilePrefix)
	if len(files) == 0 {
		return stats
	}

	stats.TotalFiles = len(files)
	stats.TotalSizeBytes = calculateTotalSize(files)
	stats.OldestFile, stats.NewestFile = findTimeRange(files)

	for _, file := range files {
		scanFile(file, func(entry *Entry) {
			stats.Entries++
			stats.ByType[entry.Type]++
			if stats.FirstSequence == 0 || entry.Sequence < stats.FirstSequence {
				stats.FirstSequence = entry.Sequence
			}
			if entry.Sequence > stats.LastSequence {
				stats.LastSequence = entry.Sequence
			}
		})
	}

	return stats
}

// findLastSequenceInFiles finds the highest sequence across files.
func findLastSequenceInFiles(files []string) int64 {
	maxSeq := int64(0)
	for _, file := range files {
		scanFile(file, func(entry *Entry) {
			if entry.Sequence > maxSeq {
				maxSeq = entry.Sequence
			}
		})
	}
	return maxSeq
}

// scanFile visits every readable entry, skipping corrupted lines.
func scanFile(path string, fn func(*Entry)) {
	reader, err := NewReader(path)
	if err != nil {
		return
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if reader.scanner.Err() != nil {
				return
			}
			continue
		}
		fn(entry)
	}
}
