// Package filecache implements the content-addressed on-disk response cache
// (spec C3): each entry is a metadata/body file pair keyed by
// (safeSlug, cacheKey), TTL-expired on read, and pruned oldest-write-first
// when the directory exceeds its byte budget.
//
// The atomic write-temp-then-rename pattern and zap-logged file operations
// are grounded on the teacher's internal/edge/cache/filesystem.go
// (FilesystemCache.WriteHTML/ReadHTML/DeleteFile); the metadata+body pairing
// and prune-by-age idiom are grounded on the same package's metadata.go.
package filecache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/webmirror/gateway/pkg/types"
)

// Entry is the value returned on a cache hit.
type Entry struct {
	Status      int
	Headers     map[string][]string
	ContentType string
	Body        []byte
}

// Cache is a filesystem-backed, process-local response cache.
type Cache struct {
	dir        string
	maxBytes   int64
	ttlSeconds int
	logger     *zap.Logger
	mu         sync.Mutex // serializes prune against concurrent set
}

// New returns a Cache rooted at dir, creating it if necessary.
func New(dir string, maxBytes int64, ttlSeconds int, logger *zap.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir, maxBytes: maxBytes, ttlSeconds: ttlSeconds, logger: logger}, nil
}

// CacheKey returns the hex SHA-256 of "method:finalURL", the key scoped
// under a slug's cache entries.
func CacheKey(method, finalURL string) string {
	sum := sha256.Sum256([]byte(method + ":" + finalURL))
	return hex.EncodeToString(sum[:])
}

// safeSlug folds every character outside [A-Za-z0-9_-] to '_' and truncates
// to 80 bytes, matching the on-disk filename constraint.
func safeSlug(slug string) string {
	var b strings.Builder
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 80 {
		out = out[:80]
	}
	return out
}

func (c *Cache) paths(slug, cacheKey string) (metaPath, bodyPath string) {
	base := filepath.Join(c.dir, safeSlug(slug)+"_"+cacheKey)
	return base + ".json", base + ".bin"
}

// Get returns the cached entry for (slug, cacheKey), or ok=false on a miss
// (expired, orphaned, or absent). Expired or orphaned entries are removed
// as a side effect.
func (c *Cache) Get(slug, cacheKey string) (Entry, bool) {
	metaPath, bodyPath := c.paths(slug, cacheKey)

	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return Entry{}, false
	}

	var meta types.CacheMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		c.logger.Warn("removing unparsable cache metadata", zap.String("path", metaPath), zap.Error(err))
		os.Remove(metaPath)
		os.Remove(bodyPath)
		return Entry{}, false
	}

	if meta.IsExpired(time.Now(), c.ttlSeconds) {
		os.Remove(metaPath)
		os.Remove(bodyPath)
		return Entry{}, false
	}

	body, err := os.ReadFile(bodyPath)
	if err != nil {
		// Metadata present, body absent (raced with eviction, or corrupt write): miss, no error.
		os.Remove(metaPath)
		return Entry{}, false
	}

	if sum := checksum(body); sum != meta.Checksum {
		c.logger.Warn("removing corrupt cache body", zap.String("path", bodyPath),
			zap.String("want", meta.Checksum), zap.String("got", sum))
		os.Remove(metaPath)
		os.Remove(bodyPath)
		return Entry{}, false
	}

	return Entry{
		Status:      meta.Status,
		Headers:     meta.Headers,
		ContentType: meta.ContentType,
		Body:        body,
	}, true
}

// Set stores an entry for (slug, cacheKey). Entries larger than
// maxBytes/2 are silently refused. Headers should already exclude synthetic
// cache/robots headers (spec's overwrite-before-send invariant).
func (c *Cache) Set(slug, cacheKey string, e Entry) error {
	if int64(len(e.Body)) > c.maxBytes/2 {
		return nil
	}

	metaPath, bodyPath := c.paths(slug, cacheKey)

	tempBody := bodyPath + ".tmp"
	if err := os.WriteFile(tempBody, e.Body, 0o644); err != nil {
		return fmt.Errorf("failed to write temp cache body: %w", err)
	}
	if err := os.Rename(tempBody, bodyPath); err != nil {
		os.Remove(tempBody)
		return fmt.Errorf("failed to rename temp cache body: %w", err)
	}

	meta := types.CacheMetadata{
		Slug:        slug,
		CacheKey:    cacheKey,
		Status:      e.Status,
		Headers:     e.Headers,
		ContentType: e.ContentType,
		CachedAt:    time.Now().UnixMilli(),
		Size:        int64(len(e.Body)),
		Checksum:    checksum(e.Body),
	}
	metaBody, err := json.Marshal(meta)
	if err != nil {
		os.Remove(bodyPath)
		return fmt.Errorf("failed to marshal cache metadata: %w", err)
	}

	tempMeta := metaPath + ".tmp"
	if err := os.WriteFile(tempMeta, metaBody, 0o644); err != nil {
		os.Remove(bodyPath)
		return fmt.Errorf("failed to write temp cache metadata: %w", err)
	}
	if err := os.Rename(tempMeta, metaPath); err != nil {
		os.Remove(tempMeta)
		os.Remove(bodyPath)
		return fmt.Errorf("failed to rename temp cache metadata: %w", err)
	}

	c.prune()
	return nil
}

func checksum(body []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(body))
}

type liveEntry struct {
	metaPath, bodyPath string
	cachedAt           int64
	size               int64
}

// prune drops expired entries and orphans, then evicts oldest-write-first
// until total live size is within maxBytes.
func (c *Cache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	files, err := os.ReadDir(c.dir)
	if err != nil {
		c.logger.Warn("failed to list cache directory", zap.Error(err))
		return
	}

	now := time.Now()
	var live []liveEntry
	var total int64

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		metaPath := filepath.Join(c.dir, f.Name())
		bodyPath := strings.TrimSuffix(metaPath, ".json") + ".bin"

		raw, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var meta types.CacheMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			os.Remove(metaPath)
			os.Remove(bodyPath)
			continue
		}
		if meta.IsExpired(now, c.ttlSeconds) {
			os.Remove(metaPath)
			os.Remove(bodyPath)
			continue
		}
		if _, err := os.Stat(bodyPath); err != nil {
			os.Remove(metaPath)
			continue
		}

		live = append(live, liveEntry{metaPath: metaPath, bodyPath: bodyPath, cachedAt: meta.CachedAt, size: meta.Size})
		total += meta.Size
	}

	if total <= c.maxBytes {
		return
	}

	sort.Slice(live, func(i, j int) bool { return live[i].cachedAt < live[j].cachedAt })
	for _, e := range live {
		if total <= c.maxBytes {
			break
		}
		os.Remove(e.metaPath)
		os.Remove(e.bodyPath)
		total -= e.size
	}
}

// PurgeAll removes every entry in the cache.
func (c *Cache) PurgeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	files, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to list cache directory: %w", err)
	}
	for _, f := range files {
		os.Remove(filepath.Join(c.dir, f.Name()))
	}
	return nil
}

// PurgeSlug removes every entry belonging to slug.
func (c *Cache) PurgeSlug(slug string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := safeSlug(slug) + "_"
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to list cache directory: %w", err)
	}
	for _, f := range files {
		if strings.HasPrefix(f.Name(), prefix) {
			os.Remove(filepath.Join(c.dir, f.Name()))
		}
	}
	return nil
}

// Stats reports live entry count and total size, primarily for the admin
// summary endpoint.
type Stats struct {
	Entries   int
	TotalSize int64
}

// Stats walks the cache directory and reports current, non-expired usage.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	files, err := os.ReadDir(c.dir)
	if err != nil {
		return Stats{}
	}

	now := time.Now()
	var s Stats
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(c.dir, f.Name()))
		if err != nil {
			continue
		}
		var meta types.CacheMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		if meta.IsExpired(now, c.ttlSeconds) {
			continue
		}
		s.Entries++
		s.TotalSize += meta.Size
	}
	return s
}
