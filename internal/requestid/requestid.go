// Package requestid generates the correlation IDs stamped on every proxied
// request via X-Request-ID, in the same sanitize-then-prefix style as the
// teacher's internal/common/requestid package, adapted to this gateway's
// own ID shape: every generated ID carries a fixed "mir-" domain tag (this
// runs mirrored-content traffic, not the teacher's render/edge traffic) and
// a shorter random component sized to still be practically collision-free
// at this system's single-instance request volume, rather than spending a
// full UUID's worth of randomness on a value that only needs to be unique
// within one process's request log.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	// domainTag marks every ID generated by this gateway as mirror traffic,
	// distinguishing it at a glance from an inbound X-Request-ID minted by
	// an upstream caller or a different service in the same log stream.
	domainTag = "mir"
	// randomHexLength is the length, in hex characters, of the random
	// component glued after domainTag.
	randomHexLength = 10
	// maxCustomIDLength bounds the sanitized caller-supplied suffix so a
	// pathological X-Request-ID header can't produce an unbounded ID.
	maxCustomIDLength = 48
)

var (
	sanitizeRegex           = regexp.MustCompile(`[^a-zA-Z0-9-]+`)
	consecutiveHyphensRegex = regexp.MustCompile(`-+`)
)

// New creates a request ID of the form mir-<10 hex chars>[-<sanitized
// customID>]. customID (typically an inbound X-Request-ID header value) is
// sanitized down to [a-zA-Z0-9-] and appended when non-empty; it is dropped
// silently when it sanitizes away to nothing, since an empty suffix would
// otherwise leave a dangling trailing hyphen.
func New(customID string) string {
	id := domainTag + "-" + randomHex(randomHexLength)

	sanitized := strings.ReplaceAll(customID, " ", "-")
	sanitized = sanitizeRegex.ReplaceAllString(sanitized, "")
	sanitized = consecutiveHyphensRegex.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")
	if sanitized == "" {
		return id
	}
	if len(sanitized) > maxCustomIDLength {
		sanitized = sanitized[:maxCustomIDLength]
	}
	return id + "-" + sanitized
}

// randomHex returns n hex characters from crypto/rand, falling back to a
// fixed filler string on the vanishingly rare read failure so New never
// panics; a repeated fallback value is an acceptable uniqueness loss for a
// log-correlation ID that is not used for anything security-sensitive.
func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("f", n)
	}
	return hex.EncodeToString(buf)[:n]
}
