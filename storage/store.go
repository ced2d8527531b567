package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/tether/pkg/resource"
)

// Bucket names in bbolt
var (
	bucketServers = []byte("servers")
	bucketSession = []byte("session")
	bucketMeta    = []byte("meta")

	keyRevision = []byte("current_revision")
	keySession  = []byte("current")
)

// ErrNotFound is returned when a server or session does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// DefaultFileName is the database file created inside the store directory.
const DefaultFileName = "tether.db"

// DefaultLockTimeout bounds how long an operation waits for another
// process holding the database file.
const DefaultLockTimeout = 5 * time.Second

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout sets how long an operation waits for the file lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// Store persists assigned servers and the login session.
//
// The database file is opened only for the duration of each operation, so
// the CLI and a running daemon can share it. Reads are served from an
// in-memory btree index; Refresh reloads it from disk.
type Store struct {
	mu    sync.RWMutex
	index *btree.BTreeG[*resource.Resource]

	dbMu        sync.Mutex
	path        string
	lockTimeout time.Duration
	closed      bool

	currentRev int64
}

func newIndex() *btree.BTreeG[*resource.Resource] {
	return btree.NewG[*resource.Resource](32, func(a, b *resource.Resource) bool {
		return a.Key < b.Key
	})
}

// Open opens (or creates) the store in dir and loads the index.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		index:       newIndex(),
		path:        filepath.Join(dir, DefaultFileName),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	err := s.update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketServers, bucketSession, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create buckets: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the store. Later operations return ErrClosed.
func (s *Store) Close() error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	s.closed = true
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Refresh reloads the index and revision from disk, picking up writes made
// by other processes.
func (s *Store) Refresh() error {
	var snap snapshot
	err := s.view(func(tx *bbolt.Tx) error {
		var err error
		snap, err = readSnapshot(tx)
		return err
	})
	if err != nil {
		return fmt.Errorf("refresh index: %w", err)
	}
	s.apply(snap)
	return nil
}

// Assign stores or replaces a server and returns the new revision.
func (s *Store) Assign(r resource.Resource) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	value, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("encode server %s: %w", r.Key, err)
	}

	var (
		rev  int64
		snap snapshot
	)
	err = s.update(func(tx *bbolt.Tx) error {
		var err error
		if rev, err = nextRevision(tx); err != nil {
			return err
		}
		if err := tx.Bucket(bucketServers).Put([]byte(r.Key), value); err != nil {
			return err
		}
		if err := tx.Bucket(bucketMeta).Put(keyRevision, int64ToBytes(rev)); err != nil {
			return err
		}
		snap, err = readSnapshot(tx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("assign server %s: %w", r.Key, err)
	}
	s.apply(snap)
	return rev, nil
}

// Remove deletes a server. Removing an unknown key returns ErrNotFound.
func (s *Store) Remove(key string) (int64, error) {
	var (
		rev  int64
		snap snapshot
	)
	err := s.update(func(tx *bbolt.Tx) error {
		servers := tx.Bucket(bucketServers)
		if servers.Get([]byte(key)) == nil {
			return ErrNotFound
		}
		var err error
		if rev, err = nextRevision(tx); err != nil {
			return err
		}
		if err := servers.Delete([]byte(key)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketMeta).Put(keyRevision, int64ToBytes(rev)); err != nil {
			return err
		}
		snap, err = readSnapshot(tx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("remove server %s: %w", key, err)
	}
	s.apply(snap)
	return rev, nil
}

// Get returns a server by key from the index.
func (s *Store) Get(key string) (resource.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, found := s.index.Get(&resource.Resource{Key: key})
	if !found {
		return resource.Resource{}, fmt.Errorf("server %s: %w", key, ErrNotFound)
	}
	return *r, nil
}

// List returns every indexed server ordered by key.
func (s *Store) List() []resource.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]resource.Resource, 0, s.index.Len())
	s.index.Ascend(func(r *resource.Resource) bool {
		out = append(out, *r)
		return true
	})
	return out
}

// Revision returns the number of committed server mutations as of the
// last load.
func (s *Store) Revision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Session is the login state used to decide authorization.
type Session struct {
	User      string    `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the session grants access at now.
// A zero ExpiresAt never expires.
func (s Session) Valid(now time.Time) bool {
	if s.Token == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// SetSession stores the login session.
func (s *Store) SetSession(sess Session) error {
	value, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Put(keySession, value)
	})
}

// ClearSession removes the login session.
func (s *Store) ClearSession() error {
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Delete(keySession)
	})
}

// Session returns the stored session, or ErrNotFound.
func (s *Store) Session() (Session, error) {
	var sess Session
	err := s.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSession).Get(keySession)
		if data == nil {
			return fmt.Errorf("session: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &sess)
	})
	return sess, err
}

func (s *Store) update(fn func(*bbolt.Tx) error) error {
	return s.withDB(false, func(db *bbolt.DB) error { return db.Update(fn) })
}

func (s *Store) view(fn func(*bbolt.Tx) error) error {
	return s.withDB(true, func(db *bbolt.DB) error { return db.View(fn) })
}

// withDB opens the database file for one operation. Opening waits up to
// lockTimeout for another process to release the file.
func (s *Store) withDB(readOnly bool, fn func(*bbolt.DB) error) (err error) {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	db, err := bbolt.Open(s.path, 0600, &bbolt.Options{Timeout: s.lockTimeout, ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close database: %w", cerr)
		}
	}()
	return fn(db)
}

// snapshot is the server set and revision read in one transaction.
type snapshot struct {
	index *btree.BTreeG[*resource.Resource]
	rev   int64
}

func readSnapshot(tx *bbolt.Tx) (snapshot, error) {
	rev, err := readRevision(tx)
	if err != nil {
		return snapshot{}, err
	}

	index := newIndex()
	err = tx.Bucket(bucketServers).ForEach(func(k, v []byte) error {
		var r resource.Resource
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("decode server %s: %w", k, err)
		}
		index.ReplaceOrInsert(&r)
		return nil
	})
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{index: index, rev: rev}, nil
}

// apply installs snap unless a newer revision is already loaded.
func (s *Store) apply(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.rev < s.currentRev {
		return
	}
	s.index = snap.index
	s.currentRev = snap.rev
}

func readRevision(tx *bbolt.Tx) (int64, error) {
	data := tx.Bucket(bucketMeta).Get(keyRevision)
	if data == nil {
		return 0, nil
	}
	rev, err := bytesToInt64(data)
	if err != nil {
		return 0, fmt.Errorf("corrupt revision: %w", err)
	}
	return rev, nil
}

func nextRevision(tx *bbolt.Tx) (int64, error) {
	rev, err := readRevision(tx)
	return rev + 1, err
}

func int64ToBytes(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}

func bytesToInt64(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}
