// Package allowlist implements the positive host+scheme policy list that
// gates every mirror resolution and every proxied fetch (spec C2). The
// snapshot-swap reload is grounded on the teacher's
// internal/common/config.EGConfigManager (atomic.Pointer holding an
// immutable snapshot, replaced wholesale on reload); the atomic
// write-temp-then-rename persistence is grounded on
// internal/edge/cache/filesystem.go's FilesystemCache.WriteHTML.
package allowlist

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/webmirror/gateway/internal/urlutil"
	"github.com/webmirror/gateway/pkg/types"
)

const currentVersion = 1

// List is a thread-safe, disk-backed allowlist. Reads consult an
// atomically-swapped in-memory snapshot; writes are serialized by mu and
// persisted before the snapshot is replaced.
type List struct {
	path     string
	snapshot atomic.Pointer[[]types.AllowlistEntry]
	mu       sync.Mutex // serializes mutation + persistence
}

// New loads path (creating an empty document if absent) and returns a List
// backed by it.
func New(path string) (*List, error) {
	l := &List{path: path}
	if err := l.Reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		empty := []types.AllowlistEntry{}
		l.snapshot.Store(&empty)
		if err := l.persist(empty); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Reload re-reads the allowlist document from disk and replaces the
// in-memory snapshot in one atomic step.
func (l *List) Reload() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	var doc types.AllowlistDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse allowlist %s: %w", l.path, err)
	}
	entries := doc.Entries
	if entries == nil {
		entries = []types.AllowlistEntry{}
	}
	l.snapshot.Store(&entries)
	return nil
}

func (l *List) current() []types.AllowlistEntry {
	p := l.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

// List returns a copy of every entry, in stored order.
func (l *List) List() []types.AllowlistEntry {
	cur := l.current()
	out := make([]types.AllowlistEntry, len(cur))
	copy(out, cur)
	return out
}

// GetByID returns the entry with the given id, or false if absent.
func (l *List) GetByID(id string) (types.AllowlistEntry, bool) {
	for _, e := range l.current() {
		if e.ID == id {
			return e, true
		}
	}
	return types.AllowlistEntry{}, false
}

// Upsert inserts or replaces the entry matching e.ID (or e.Host when ID is
// empty), normalizing host and defaulting Schemes to ["https"] when empty.
func (l *List) Upsert(e types.AllowlistEntry) (types.AllowlistEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Host = urlutil.NormalizeHost(e.Host)
	if e.Host == "" {
		return types.AllowlistEntry{}, fmt.Errorf("host must not be empty")
	}
	if len(e.Schemes) == 0 {
		e.Schemes = []string{"https"}
	}
	if e.ID == "" {
		e.ID = slugify(e.Host)
	}

	entries := append([]types.AllowlistEntry{}, l.current()...)
	replaced := false
	for i, cur := range entries {
		if cur.ID == e.ID {
			entries[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, e)
	}

	if err := l.persist(entries); err != nil {
		return types.AllowlistEntry{}, err
	}
	l.snapshot.Store(&entries)
	return e, nil
}

// Patch applies a partial update to the entry identified by id.
func (l *List) Patch(id string, patch func(*types.AllowlistEntry)) (types.AllowlistEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := append([]types.AllowlistEntry{}, l.current()...)
	idx := -1
	for i, e := range entries {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return types.AllowlistEntry{}, fmt.Errorf("allowlist entry %q not found", id)
	}
	patch(&entries[idx])
	entries[idx].Host = urlutil.NormalizeHost(entries[idx].Host)
	if len(entries[idx].Schemes) == 0 {
		entries[idx].Schemes = []string{"https"}
	}

	if err := l.persist(entries); err != nil {
		return types.AllowlistEntry{}, err
	}
	l.snapshot.Store(&entries)
	return entries[idx], nil
}

// Remove deletes the entry identified by id, if present.
func (l *List) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := append([]types.AllowlistEntry{}, l.current()...)
	out := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			out = append(out, e)
		}
	}

	if err := l.persist(out); err != nil {
		return err
	}
	l.snapshot.Store(&out)
	return nil
}

// Match returns the first enabled entry permitting u's scheme+host, or nil.
func (l *List) Match(u *url.URL) *types.AllowlistEntry {
	host := urlutil.NormalizeHost(u.Hostname())
	scheme := strings.ToLower(u.Scheme)

	for _, e := range l.current() {
		if !e.Enabled {
			continue
		}
		if !schemeAllowed(e.Schemes, scheme) {
			continue
		}
		if host == e.Host || (e.AllowSubdomains && urlutil.IsSubdomainOf(host, e.Host)) {
			entry := e
			return &entry
		}
	}
	return nil
}

// IsAllowed reports whether Match(u) finds a permitting entry.
func (l *List) IsAllowed(u *url.URL) bool {
	return l.Match(u) != nil
}

func schemeAllowed(schemes []string, scheme string) bool {
	for _, s := range schemes {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}

func (l *List) persist(entries []types.AllowlistEntry) error {
	doc := types.AllowlistDocument{Version: currentVersion, Entries: entries}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create allowlist directory: %w", err)
	}

	tempPath := l.path + ".tmp"
	if err := os.WriteFile(tempPath, body, 0o644); err != nil {
		return fmt.Errorf("failed to write temp allowlist file: %w", err)
	}
	if err := os.Rename(tempPath, l.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp allowlist file: %w", err)
	}
	return nil
}

func slugify(host string) string {
	id := strings.ToLower(host)
	if id == "" {
		return uuid.New().String()
	}
	return id
}
