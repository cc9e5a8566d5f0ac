package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webmirror/gateway/internal/allowlist"
	"github.com/webmirror/gateway/internal/apierr"
	"github.com/webmirror/gateway/pkg/types"
)

func newTestRegistry(t *testing.T, allowedHosts ...string) *Registry {
	t.Helper()
	dir := t.TempDir()

	list, err := allowlist.New(filepath.Join(dir, "allowlist.json"))
	require.NoError(t, err)
	for _, h := range allowedHosts {
		_, err := list.Upsert(types.AllowlistEntry{Host: h, Enabled: true, AllowSubdomains: true})
		require.NoError(t, err)
	}

	reg, err := Open(filepath.Join(dir, "registry.db"), list, false, zap.NewNop())
	require.NoError(t, err)
	return reg
}

func TestResolveTargetURLCreatesRecord(t *testing.T) {
	reg := newTestRegistry(t, "example.com")
	ctx := context.Background()

	res, err := reg.ResolveTargetURL(ctx, "https://example.com/foo?q=1")
	require.NoError(t, err)
	assert.Equal(t, "example-com", res.Slug)
	assert.Equal(t, "https://example.com", res.TargetOrigin)
	assert.True(t, res.Created)
	assert.Equal(t, "/m/example-com/foo?q=1", res.LaunchURL)
}

func TestResolveTargetURLReusesExistingRecord(t *testing.T) {
	reg := newTestRegistry(t, "example.com")
	ctx := context.Background()

	first, err := reg.ResolveTargetURL(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := reg.ResolveTargetURL(ctx, "https://example.com/b")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Slug, second.Slug)
}

func TestResolveTargetURLDomainNotAllowed(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.ResolveTargetURL(ctx, "https://example.com/")
	require.Error(t, err)
	assert.Equal(t, apierr.DomainNotAllowed, apierr.CodeOf(err))
}

func TestResolveTargetURLSSRFBlocked(t *testing.T) {
	reg := newTestRegistry(t, "localhost")
	ctx := context.Background()

	_, err := reg.ResolveTargetURL(ctx, "https://127.0.0.1/")
	require.Error(t, err)
	assert.Equal(t, apierr.SSRFBlocked, apierr.CodeOf(err))
}

func TestBaseSlugFolding(t *testing.T) {
	assert.Equal(t, "example-com", baseSlug("Example.COM"))
	assert.Equal(t, "site", baseSlug("!!!"))
}

func TestAllocateSlugCollisionAppendsSuffix(t *testing.T) {
	reg := newTestRegistry(t, "a.b.com", "a-b.com")
	ctx := context.Background()

	first, err := reg.ResolveTargetURL(ctx, "https://a.b.com/")
	require.NoError(t, err)
	second, err := reg.ResolveTargetURL(ctx, "https://a-b.com/")
	require.NoError(t, err)

	assert.NotEqual(t, first.Slug, second.Slug)
	assert.Equal(t, "a-b-com", first.Slug)
	assert.Equal(t, "a-b-com-2", second.Slug)
}

func TestGetBySlugAndTouch(t *testing.T) {
	reg := newTestRegistry(t, "example.com")
	ctx := context.Background()

	res, err := reg.ResolveTargetURL(ctx, "https://example.com/")
	require.NoError(t, err)

	record, ok, err := reg.GetBySlug(ctx, res.Slug)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://example.com", record.TargetOrigin)

	require.NoError(t, reg.Touch(ctx, res.Slug, "/updated"))
	record, _, err = reg.GetBySlug(ctx, res.Slug)
	require.NoError(t, err)
	assert.Equal(t, "/updated", record.LastPath)
}

func TestSetDisabled(t *testing.T) {
	reg := newTestRegistry(t, "example.com")
	ctx := context.Background()

	res, err := reg.ResolveTargetURL(ctx, "https://example.com/")
	require.NoError(t, err)

	require.NoError(t, reg.SetDisabled(ctx, res.Slug, true))
	record, ok, err := reg.GetBySlug(ctx, res.Slug)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, record.Disabled)
}

func TestResolveTargetURLReusesOriginAfterDisable(t *testing.T) {
	reg := newTestRegistry(t, "example.com")
	ctx := context.Background()

	first, err := reg.ResolveTargetURL(ctx, "https://example.com/")
	require.NoError(t, err)

	require.NoError(t, reg.SetDisabled(ctx, first.Slug, true))

	// The origin now belongs only to a disabled record; a fresh resolve
	// must create a new active record rather than failing on a stale
	// global uniqueness constraint.
	second, err := reg.ResolveTargetURL(ctx, "https://example.com/")
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.Slug, second.Slug)

	oldRecord, ok, err := reg.GetBySlug(ctx, first.Slug)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, oldRecord.Disabled)

	newRecord, ok, err := reg.GetBySlug(ctx, second.Slug)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, newRecord.Disabled)
}

func TestEventsRecordsResolve(t *testing.T) {
	reg := newTestRegistry(t, "example.com")
	ctx := context.Background()

	_, err := reg.ResolveTargetURL(ctx, "https://example.com/")
	require.NoError(t, err)

	events, err := reg.Events(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, types.EventResolve, events[0].Kind)
}
