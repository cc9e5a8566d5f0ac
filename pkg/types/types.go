// Package types holds the tagged data records shared across the mirror
// gateway: registry rows, allowlist entries, cache metadata, and the
// append-only event log. Keeping them here (instead of untyped maps) gives
// every package a single place to agree on field names and JSON/GORM tags.
package types

import "time"

// MirrorRecord identifies one mirrored origin.
type MirrorRecord struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Slug         string    `json:"slug" gorm:"uniqueIndex;type:varchar(48);not null"`
	// TargetOrigin is not database-unique: the invariant is "unique among
	// enabled records" (spec.md §3), since a disabled record and a freshly
	// resolved active one may legitimately share an origin. Uniqueness for
	// enabled records is enforced in registry.ResolveTargetURL's
	// transaction, not by a schema constraint.
	TargetOrigin string    `json:"targetOrigin" gorm:"index;type:varchar(512);not null"`
	CreatedAt    time.Time `json:"createdAt" gorm:"not null"`
	UpdatedAt    time.Time `json:"updatedAt" gorm:"not null"`
	LastPath     string    `json:"lastPath" gorm:"type:text"`
	Disabled     bool      `json:"disabled" gorm:"not null;default:false"`
}

func (MirrorRecord) TableName() string { return "mirrors" }

// EventLevel is the severity of a logged Event.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// EventKind enumerates the audit event kinds the pipeline and registry emit.
type EventKind string

const (
	EventResolve         EventKind = "resolve"
	EventResolveFail     EventKind = "resolve-fail"
	EventProxyError      EventKind = "proxy-error"
	EventSSRFBlocked     EventKind = "ssrf-blocked"
	EventCacheHit        EventKind = "cache-hit"
	EventCacheMiss       EventKind = "cache-miss"
	EventCachePurge      EventKind = "cache-purge"
	EventAdminAction     EventKind = "admin-action"
	EventUpstreamTimeout EventKind = "upstream-timeout"
)

// Event is an append-only audit record.
type Event struct {
	ID      string     `json:"id" gorm:"primaryKey;type:varchar(64)"`
	At      time.Time  `json:"at" gorm:"index;not null"`
	Level   EventLevel `json:"level" gorm:"type:varchar(10);not null"`
	Kind    EventKind  `json:"kind" gorm:"type:varchar(32);not null;index"`
	Slug    string     `json:"slug,omitempty" gorm:"type:varchar(48);index"`
	Message string     `json:"message" gorm:"type:text"`
	MetaRaw string     `json:"-" gorm:"column:meta_json;type:text"`
}

func (Event) TableName() string { return "events" }

// AllowlistEntry is one policy rule permitting a host (and optionally its
// subdomains) to be mirrored over the listed schemes.
type AllowlistEntry struct {
	ID              string   `json:"id"`
	Host            string   `json:"host"`
	AllowSubdomains bool     `json:"allowSubdomains"`
	Schemes         []string `json:"schemes"`
	Enabled         bool     `json:"enabled"`
	Label           string   `json:"label,omitempty"`
}

// AllowlistDocument is the on-disk JSON shape of the allowlist file.
type AllowlistDocument struct {
	Version int              `json:"version"`
	Entries []AllowlistEntry `json:"entries"`
}

// CacheMetadata is the JSON sidecar stored next to a cached response body.
type CacheMetadata struct {
	Slug        string              `json:"slug"`
	CacheKey    string              `json:"cacheKey"`
	Status      int                 `json:"status"`
	Headers     map[string][]string `json:"headers"`
	ContentType string              `json:"contentType"`
	CachedAt    int64               `json:"cachedAt"` // epoch ms
	Size        int64               `json:"size"`
	Checksum    string              `json:"checksum"` // xxhash of body, corruption check
}

// IsExpired reports whether this entry has outlived ttlSeconds as of now.
func (m *CacheMetadata) IsExpired(now time.Time, ttlSeconds int) bool {
	ageMs := now.UnixMilli() - m.CachedAt
	return ageMs > int64(ttlSeconds)*1000
}
