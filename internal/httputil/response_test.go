package httputil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"

	"github.com/webmirror/gateway/internal/apierr"
)

func TestJSONWritesOKEnvelope(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	JSON(ctx, fasthttp.StatusOK, map[string]string{"slug": "abc"})
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `"ok":true`)
	assert.Contains(t, string(ctx.Response.Body()), `"slug":"abc"`)
}

func TestErrorWritesMappedStatus(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Error(ctx, apierr.DomainNotAllowed)
	assert.Equal(t, fasthttp.StatusForbidden, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `"error":"domain_not_allowed"`)
}

func TestWriteErrUnwrapsAPIError(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteErr(ctx, apierr.New(apierr.MirrorNotFound))
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestWriteErrDefaultsToInternalError(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteErr(ctx, assert.AnError)
	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `"error":"internal_error"`)
}

func TestSetRobotsHeader(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	SetRobotsHeader(ctx)
	assert.Equal(t, "noindex, nofollow", string(ctx.Response.Header.Peek("X-Robots-Tag")))
}
