package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/yairfalse/tether/pkg/resource"
)

func server(key string) resource.Resource {
	return resource.Resource{
		Key:        key,
		Label:      "Server " + key,
		Endpoint:   "http://" + key + ".example:8888",
		Variant:    "gpu",
		AssignedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestStore_AssignAndGet(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	rev, err := store.Assign(server("m-1"))
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if rev != 1 {
		t.Errorf("Expected first revision to be 1, got %d", rev)
	}

	got, err := store.Get("m-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Endpoint != server("m-1").Endpoint {
		t.Errorf("Endpoint = %v, want %v", got.Endpoint, server("m-1").Endpoint)
	}
	if !got.AssignedAt.Equal(server("m-1").AssignedAt) {
		t.Errorf("AssignedAt = %v, want %v", got.AssignedAt, server("m-1").AssignedAt)
	}
}

func TestStore_AssignRejectsInvalid(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	if _, err := store.Assign(resource.Resource{Key: "no-endpoint"}); err == nil {
		t.Error("expected validation error")
	}
	if store.Revision() != 0 {
		t.Errorf("Revision = %d, want 0", store.Revision())
	}
}

func TestStore_ListIsOrdered(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	for _, key := range []string{"c", "a", "b"} {
		if _, err := store.Assign(server(key)); err != nil {
			t.Fatal(err)
		}
	}

	list := store.List()
	if len(list) != 3 {
		t.Fatalf("List returned %d servers, want 3", len(list))
	}
	for i, want := range []string{"a", "b", "c"} {
		if list[i].Key != want {
			t.Errorf("list[%d] = %s, want %s", i, list[i].Key, want)
		}
	}
}

func TestStore_Remove(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	rev1, _ := store.Assign(server("m-1"))
	rev2, err := store.Remove("m-1")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if rev2 <= rev1 {
		t.Errorf("Revision should increase: rev1=%d, rev2=%d", rev1, rev2)
	}

	if _, err := store.Get("m-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after remove: err = %v, want ErrNotFound", err)
	}
	if _, err := store.Remove("m-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove: err = %v, want ErrNotFound", err)
	}
}

func TestStore_ReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = store.Assign(server("a"))
	_, _ = store.Assign(server("b"))
	_, _ = store.Remove("a")
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	if reopened.Revision() != 3 {
		t.Errorf("Revision = %d, want 3", reopened.Revision())
	}
	list := reopened.List()
	if len(list) != 1 || list[0].Key != "b" {
		t.Errorf("List = %v, want [b]", list)
	}
}

func TestStore_SharedBetweenHandles(t *testing.T) {
	dir := t.TempDir()

	daemon, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = daemon.Close() }()

	cli, err := Open(dir, WithLockTimeout(time.Second))
	if err != nil {
		t.Fatalf("second Open while first is open: %v", err)
	}
	if _, err := cli.Assign(server("m-1")); err != nil {
		t.Fatalf("Assign from second handle: %v", err)
	}
	if err := cli.SetSession(Session{User: "dev", Token: "t0k"}); err != nil {
		t.Fatalf("SetSession from second handle: %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatal(err)
	}

	if got := daemon.List(); len(got) != 0 {
		t.Errorf("List before Refresh = %v, want stale empty index", got)
	}
	if err := daemon.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	list := daemon.List()
	if len(list) != 1 || list[0].Key != "m-1" {
		t.Errorf("List after Refresh = %v, want [m-1]", list)
	}
	if daemon.Revision() != 1 {
		t.Errorf("Revision = %d, want 1", daemon.Revision())
	}
	if sess, err := daemon.Session(); err != nil || sess.User != "dev" {
		t.Errorf("Session = %+v, %v", sess, err)
	}

	// Revisions continue from disk, not from the stale handle.
	rev, err := daemon.Assign(server("m-2"))
	if err != nil {
		t.Fatal(err)
	}
	if rev != 2 {
		t.Errorf("Assign revision = %d, want 2", rev)
	}
}

func TestStore_ClosedRejectsOperations(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Assign(server("a")); !errors.Is(err, ErrClosed) {
		t.Errorf("Assign after Close: err = %v, want ErrClosed", err)
	}
	if err := store.Refresh(); !errors.Is(err, ErrClosed) {
		t.Errorf("Refresh after Close: err = %v, want ErrClosed", err)
	}
}

func TestStore_Session(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	if _, err := store.Session(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Session on empty store: err = %v, want ErrNotFound", err)
	}

	expires := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SetSession(Session{User: "dev", Token: "t0k", ExpiresAt: expires}); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}

	sess, err := store.Session()
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if sess.User != "dev" || !sess.ExpiresAt.Equal(expires) {
		t.Errorf("Session = %+v", sess)
	}

	if err := store.ClearSession(); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Session(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Session after clear: err = %v, want ErrNotFound", err)
	}
}

func TestSession_Valid(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		sess Session
		want bool
	}{
		{"no token", Session{User: "dev"}, false},
		{"no expiry", Session{Token: "t"}, true},
		{"not yet expired", Session{Token: "t", ExpiresAt: now.Add(time.Minute)}, true},
		{"expired", Session{Token: "t", ExpiresAt: now.Add(-time.Minute)}, false},
		{"expires now", Session{Token: "t", ExpiresAt: now}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sess.Valid(now); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}
