// Package registry implements the SQLite-backed mirror registry (C6):
// slug allocation, target-origin resolution, and the append-only event log.
//
// The GORM-over-SQL wiring (gorm.Open, AutoMigrate, WithContext) is grounded
// on the registry-proxy example's internal/database/postgres.go, swapping the Postgres
// dialect for gorm.io/driver/sqlite since the corpus carries no SQLite
// driver of its own; the two-table schema is grounded on that package's
// internal/models/models.go.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/webmirror/gateway/internal/allowlist"
	"github.com/webmirror/gateway/internal/apierr"
	"github.com/webmirror/gateway/internal/urlutil"
	"github.com/webmirror/gateway/pkg/types"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// EventSink receives a copy of every event this registry logs, for a
// secondary sink (e.g. a rotated JSONL file) alongside the durable SQLite
// row. Implemented by *events.FileEmitter.
type EventSink interface {
	Emit(ev *types.Event)
}

// Registry owns MirrorRecords and Events.
type Registry struct {
	db        *gorm.DB
	list      *allowlist.List
	logger    *zap.Logger
	allowHTTP bool
	sink      EventSink
}

// SetEventSink attaches (or clears, with nil) a secondary event sink.
func (r *Registry) SetEventSink(sink EventSink) { r.sink = sink }

// Open connects to the SQLite database at dsn and migrates the schema.
// allowHTTP mirrors MIRROR_ENABLE_HTTP and is forwarded to the SSRF guard
// on every resolve.
func Open(dsn string, list *allowlist.List, allowHTTP bool, logger *zap.Logger) (*Registry, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	if err := db.AutoMigrate(&types.MirrorRecord{}, &types.Event{}); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &Registry{db: db, list: list, logger: logger, allowHTTP: allowHTTP}, nil
}

// ResolveResult is the outcome of resolving a raw target URL to a mirror.
type ResolveResult struct {
	Slug         string
	TargetOrigin string
	LaunchURL    string
	Created      bool
}

// ResolveTargetURL validates rawURL against the SSRF guard and allowlist,
// then looks up or creates the mirror record for its origin.
func (r *Registry) ResolveTargetURL(ctx context.Context, rawURL string) (ResolveResult, error) {
	if err := urlutil.AssertSafeURL(ctx, rawURL, r.allowHTTP); err != nil {
		r.logEvent(ctx, types.EventLevelWarn, types.EventResolveFail, "", fmt.Sprintf("%s: %s", rawURL, err), nil)
		return ResolveResult{}, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return ResolveResult{}, apierr.Wrap(apierr.InvalidURL, err)
	}

	if !r.list.IsAllowed(u) {
		r.logEvent(ctx, types.EventLevelWarn, types.EventResolveFail, "", fmt.Sprintf("domain not allowed: %s", u.Hostname()), nil)
		return ResolveResult{}, apierr.New(apierr.DomainNotAllowed)
	}

	targetOrigin := urlutil.Origin(u)
	lastPath := u.Path
	if u.RawQuery != "" {
		lastPath += "?" + u.RawQuery
	}

	var record types.MirrorRecord
	created := false

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("target_origin = ? AND disabled = ?", targetOrigin, false).First(&record)
		if res.Error == nil {
			record.LastPath = lastPath
			record.UpdatedAt = time.Now()
			return tx.Session(&gorm.Session{}).Model(&record).
				Updates(map[string]any{"last_path": lastPath, "updated_at": record.UpdatedAt}).Error
		}
		if res.Error != gorm.ErrRecordNotFound {
			return res.Error
		}

		slug, err := r.allocateSlug(tx, u.Hostname())
		if err != nil {
			return err
		}
		now := time.Now()
		record = types.MirrorRecord{
			ID:           uuid.New().String(),
			Slug:         slug,
			TargetOrigin: targetOrigin,
			CreatedAt:    now,
			UpdatedAt:    now,
			LastPath:     lastPath,
			Disabled:     false,
		}
		created = true
		return tx.Create(&record).Error
	})
	if err != nil {
		return ResolveResult{}, apierr.Wrap(apierr.InternalError, err)
	}

	launchURL := "/m/" + url.PathEscape(record.Slug)
	if u.Path != "" && u.Path != "/" {
		launchURL += u.Path
	}
	if u.RawQuery != "" {
		launchURL += "?" + u.RawQuery
	}

	r.logEvent(ctx, types.EventLevelInfo, types.EventResolve, record.Slug, rawURL,
		map[string]any{"url": rawURL, "created": created})

	return ResolveResult{Slug: record.Slug, TargetOrigin: record.TargetOrigin, LaunchURL: launchURL, Created: created}, nil
}

// allocateSlug derives a base slug from host, resolving collisions with
// numeric suffixes and finally a random hex suffix. Must run inside tx so
// the existence check and insert are part of the same transaction.
func (r *Registry) allocateSlug(tx *gorm.DB, host string) (string, error) {
	base := baseSlug(host)

	if free, err := slugFree(tx, base); err != nil {
		return "", err
	} else if free {
		return base, nil
	}

	for i := 2; i <= 999; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		free, err := slugFree(tx, candidate)
		if err != nil {
			return "", err
		}
		if free {
			return candidate, nil
		}
	}

	suffix := make([]byte, 3)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate slug suffix: %w", err)
	}
	return base + "-" + hex.EncodeToString(suffix), nil
}

func slugFree(tx *gorm.DB, slug string) (bool, error) {
	var count int64
	if err := tx.Model(&types.MirrorRecord{}).Where("slug = ?", slug).Count(&count).Error; err != nil {
		return false, err
	}
	return count == 0, nil
}

func baseSlug(host string) string {
	lower := strings.ToLower(host)
	folded := nonAlnum.ReplaceAllString(lower, "-")
	folded = strings.Trim(folded, "-")
	if len(folded) > 48 {
		folded = strings.Trim(folded[:48], "-")
	}
	if folded == "" {
		return "site"
	}
	return folded
}

// GetBySlug returns the mirror record for slug, if present.
func (r *Registry) GetBySlug(ctx context.Context, slug string) (types.MirrorRecord, bool, error) {
	var record types.MirrorRecord
	err := r.db.WithContext(ctx).Where("slug = ?", slug).First(&record).Error
	if err == gorm.ErrRecordNotFound {
		return types.MirrorRecord{}, false, nil
	}
	if err != nil {
		return types.MirrorRecord{}, false, err
	}
	return record, true, nil
}

// Touch updates lastPath and updatedAt for slug.
func (r *Registry) Touch(ctx context.Context, slug, lastPath string) error {
	return r.db.WithContext(ctx).Model(&types.MirrorRecord{}).
		Where("slug = ?", slug).
		Updates(map[string]any{"last_path": lastPath, "updated_at": time.Now()}).Error
}

// List returns every mirror record, most recently updated first.
func (r *Registry) List(ctx context.Context) ([]types.MirrorRecord, error) {
	var records []types.MirrorRecord
	err := r.db.WithContext(ctx).Order("updated_at DESC").Find(&records).Error
	return records, err
}

// LogEvent appends an audit event. meta is marshaled to JSON when present.
func (r *Registry) LogEvent(ctx context.Context, level types.EventLevel, kind types.EventKind, slug, message string, meta map[string]any) {
	r.logEvent(ctx, level, kind, slug, message, meta)
}

func (r *Registry) logEvent(ctx context.Context, level types.EventLevel, kind types.EventKind, slug, message string, meta map[string]any) {
	var metaRaw string
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			metaRaw = string(b)
		}
	}
	event := types.Event{
		ID:      uuid.New().String(),
		At:      time.Now(),
		Level:   level,
		Kind:    kind,
		Slug:    slug,
		Message: message,
		MetaRaw: metaRaw,
	}
	if err := r.db.WithContext(ctx).Create(&event).Error; err != nil {
		r.logger.Error("failed to write event", zap.Error(err), zap.String("kind", string(kind)))
	}
	if r.sink != nil {
		r.sink.Emit(&event)
	}
}

// Events returns the most recent events, newest first, up to limit.
func (r *Registry) Events(ctx context.Context, limit int) ([]types.Event, error) {
	var events []types.Event
	err := r.db.WithContext(ctx).Order("at DESC").Limit(limit).Find(&events).Error
	return events, err
}

// SetDisabled toggles a mirror record's disabled flag.
func (r *Registry) SetDisabled(ctx context.Context, slug string, disabled bool) error {
	return r.db.WithContext(ctx).Model(&types.MirrorRecord{}).
		Where("slug = ?", slug).
		Updates(map[string]any{"disabled": disabled, "updated_at": time.Now()}).Error
}
