package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func touch(t *testing.T, path string, mod time.Time) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("{}\n")
	_ = f.Close()
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestCleanup_NoFiles(t *testing.T) {
	stats, err := Cleanup(t.TempDir(), DefaultConfig(), time.Now())
	if err != nil {
		t.Errorf("Cleanup failed on empty directory: %v", err)
	}
	if stats.FilesRemoved != 0 {
		t.Errorf("FilesRemoved = %d, want 0", stats.FilesRemoved)
	}
}

func TestCleanup_MixedAges(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	oldFile := filepath.Join(dir, "tether-20200101-120000-000000000001.wal")
	recentFile := filepath.Join(dir, "tether-20200201-120000-000000000002.wal")
	otherPrefix := filepath.Join(dir, "other-20200101-120000-000000000001.wal")
	touch(t, oldFile, now.AddDate(0, 0, -60))
	touch(t, recentFile, now.AddDate(0, 0, -10))
	touch(t, otherPrefix, now.AddDate(0, 0, -60))

	config := DefaultConfig()
	config.RetentionDays = 30

	stats, err := Cleanup(dir, config, now)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if stats.FilesRemoved != 1 {
		t.Errorf("FilesRemoved = %d, want 1", stats.FilesRemoved)
	}
	if stats.BytesFreed != 3 {
		t.Errorf("BytesFreed = %d, want 3", stats.BytesFreed)
	}

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("old file should be removed")
	}
	for _, keep := range []string{recentFile, otherPrefix} {
		if _, err := os.Stat(keep); err != nil {
			t.Errorf("%s should remain: %v", filepath.Base(keep), err)
		}
	}
}

func TestWAL_CleanupKeepsCurrentFile(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Close() }()
	_ = w.Append(EntryConnected, "a", nil)

	old := time.Now().AddDate(0, 0, -90)
	if err := os.Chtimes(w.Path(), old, old); err != nil {
		t.Fatal(err)
	}

	stats, err := w.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if stats.FilesRemoved != 0 {
		t.Errorf("current file must not be removed, FilesRemoved = %d", stats.FilesRemoved)
	}
}
