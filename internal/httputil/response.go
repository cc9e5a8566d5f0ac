// Package httputil holds the shared fasthttp response-writing helpers used
// by both the public and internal servers: a single JSON envelope plus
// convenience wrappers for success/error paths, grounded on the teacher's
// internal/common/httputil/response.go.
package httputil

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/webmirror/gateway/internal/apierr"
)

// Envelope is the unified JSON response shape for every API in this gateway.
type Envelope struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// JSON writes body as the "data" field of an OK envelope.
func JSON(ctx *fasthttp.RequestCtx, statusCode int, data interface{}) {
	writeEnvelope(ctx, statusCode, Envelope{OK: statusCode < 400, Data: data})
}

// Error writes a failure envelope built from a stable apierr.Code.
func Error(ctx *fasthttp.RequestCtx, code apierr.Code) {
	writeEnvelope(ctx, apierr.Status(code), Envelope{OK: false, Error: string(code)})
}

// WriteErr inspects err for a wrapped *apierr.Error and writes the
// matching status/code; anything else is reported as an internal error.
func WriteErr(ctx *fasthttp.RequestCtx, err error) {
	Error(ctx, apierr.CodeOf(err))
}

func writeEnvelope(ctx *fasthttp.RequestCtx, statusCode int, env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"ok":false,"error":"internal_error"}`)
		return
	}
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// SetRobotsHeader stamps the noindex/nofollow header every response from
// this gateway must carry (spec §9): mirrored content is never meant to
// rank in search results under the gateway's own domain.
func SetRobotsHeader(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("X-Robots-Tag", "noindex, nofollow")
}
