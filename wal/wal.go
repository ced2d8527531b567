// Package wal is an append-only JSON-lines journal of connection events.
// Files rotate by size and sequence numbers continue across restarts.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// EntryType defines the type of journal entry
type EntryType string

const (
	EntryConnected       EntryType = "connected"
	EntryDisconnected    EntryType = "disconnected"
	EntryReconcileFailed EntryType = "reconcile_failed"
	EntrySession         EntryType = "session"
)

// Entry represents a single journal entry
type Entry struct {
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
	Type        EntryType       `json:"type"`
	ResourceKey string          `json:"resource_key,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Config controls file naming, rotation and retention.
type Config struct {
	FilePrefix    string
	MaxFileSize   int64 // bytes; rotate once the current file reaches it
	RetentionDays int
}

// DefaultConfig returns the journal defaults.
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "tether",
		MaxFileSize:   10 << 20,
		RetentionDays: 30,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FilePrefix == "" {
		c.FilePrefix = def.FilePrefix
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = def.MaxFileSize
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = def.RetentionDays
	}
	return c
}

// Option configures a WAL.
type Option func(*WAL)

// WithClock sets the clock used for entry timestamps and file names.
func WithClock(c clock.Clock) Option {
	return func(w *WAL) { w.clock = c }
}

// WAL appends entries to the current journal file.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	size     int64
	sequence int64
	dir      string
	config   Config
	clock    clock.Clock
}

// Open creates or opens a journal in dir with the default config.
func Open(dir string, opts ...Option) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig(), opts...)
}

// OpenWithConfig creates or opens a journal in dir.
func OpenWithConfig(dir string, config Config, opts ...Option) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	w := &WAL{
		dir:    dir,
		config: config.withDefaults(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.sequence = findLastSequenceInFiles(listFiles(dir, w.config.FilePrefix))

	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Close flushes and closes the current file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.closeFile()
}

// Sequence returns the last written sequence number.
func (w *WAL) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// Path returns the current file path.
func (w *WAL) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Name()
}

// Append adds an entry to the journal.
func (w *WAL) Append(entryType EntryType, resourceKey string, data any) error {
	return w.append(entryType, resourceKey, data, nil)
}

// AppendError adds an entry carrying a failure.
func (w *WAL) AppendError(entryType EntryType, resourceKey string, data any, errToLog error) error {
	return w.append(entryType, resourceKey, data, errToLog)
}

func (w *WAL) append(entryType EntryType, resourceKey string, data any, errToLog error) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
		raw = b
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return errors.New("journal is closed")
	}

	entry := Entry{
		Timestamp:   w.clock.Now().UTC(),
		Sequence:    w.sequence + 1,
		Type:        entryType,
		ResourceKey: resourceKey,
		Data:        raw,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}

	if err := w.writeEntry(entry); err != nil {
		return err
	}
	w.sequence = entry.Sequence

	if w.size >= w.config.MaxFileSize {
		return w.rotate()
	}
	return nil
}

// writeEntry writes a single entry and syncs it to disk.
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	n, err := w.writer.Write(line)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return w.file.Sync()
}

func (w *WAL) rotate() error {
	if err := w.closeFile(); err != nil {
		return fmt.Errorf("failed to close journal file: %w", err)
	}
	return w.openFile()
}

// openFile starts a new file named after the time and the next sequence,
// so lexical order is write order.
func (w *WAL) openFile() error {
	name := fmt.Sprintf("%s-%s-%012d.wal",
		w.config.FilePrefix, w.clock.Now().UTC().Format("20060102-150405"), w.sequence+1)
	path := filepath.Join(w.dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat journal file: %w", err)
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	w.size = info.Size()
	return nil
}

func (w *WAL) closeFile() error {
	if w.file == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Reader provides journal replay
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a reader for one journal file.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Reader{
		scanner: bufio.NewScanner(file),
		file:    file,
	}, nil
}

// Next reads the next entry. It returns io.EOF at the end of the file.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay calls handler for every entry written after since, oldest first.
// Corrupt lines are skipped.
func Replay(dir string, config Config, since time.Time, handler func(*Entry) error) error {
	config = config.withDefaults()
	for _, file := range listFiles(dir, config.FilePrefix) {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if reader.scanner.Err() != nil {
				return err
			}
			continue
		}

		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}

// listFiles returns journal files in write order.
func listFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}
