package rewrite

import (
	"net/url"
	"regexp"
	"strings"
)

// No CSS parsing library appears anywhere in the reference corpus, so this
// rewriter is a hand-rolled tokenizer over url(...) functions and @import
// at-rules using regexp/strings — the one component in this repo built
// directly on the standard library rather than a third-party parser.

var urlFuncPattern = regexp.MustCompile(`(?i)url\(\s*('([^']*)'|"([^"]*)"|[^'")]*)\s*\)`)

// @import "foo.css"; or @import 'foo.css';  (the url(...) form is handled
// by urlFuncPattern since it also matches inside @import).
var importStringPattern = regexp.MustCompile(`(?i)(@import\s+)(['"])([^'"]*)(['"])`)

// RewriteCSS rewrites in-origin url(...) references and @import targets in
// cssSrc, resolved against baseURL, into mirror paths under /m/<slug>/...
// Whitespace and every other token are preserved verbatim.
func RewriteCSS(cssSrc []byte, baseURL *url.URL, targetOrigin, slug string) []byte {
	encodedSlug := url.PathEscape(slug)
	src := string(cssSrc)

	src = importStringPattern.ReplaceAllStringFunc(src, func(match string) string {
		groups := importStringPattern.FindStringSubmatch(match)
		prefix, quote, raw := groups[1], groups[2], groups[3]
		rewritten := rewriteCSSURLValue(raw, baseURL, targetOrigin, encodedSlug)
		return prefix + quote + rewritten + quote
	})

	src = urlFuncPattern.ReplaceAllStringFunc(src, func(match string) string {
		groups := urlFuncPattern.FindStringSubmatch(match)
		raw, quote := extractURLToken(groups)
		rewritten := rewriteCSSURLValue(raw, baseURL, targetOrigin, encodedSlug)
		return "url(" + quote + rewritten + quote + ")"
	})

	return []byte(src)
}

// extractURLToken returns the unquoted token value and the quote character
// to preserve ("" if the original was unquoted).
func extractURLToken(groups []string) (value, quote string) {
	switch {
	case groups[2] != "":
		return groups[2], "'"
	case groups[3] != "":
		return groups[3], "\""
	default:
		return strings.TrimSpace(groups[1]), ""
	}
}

// rewriteCSSURLValue mirrors rewriteURLValue's mirror-path guard: a value
// already under /m/<encodedSlug> is a prior rewrite's output, not an
// origin-relative reference, and resolving it again would double-prefix it.
func rewriteCSSURLValue(raw string, baseURL *url.URL, targetOrigin, encodedSlug string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "#") {
		return raw
	}
	if isMirrorPath(trimmed, encodedSlug) {
		return raw
	}

	resolved, err := baseURL.Parse(trimmed)
	if err != nil {
		return raw
	}
	if resolved.Scheme+"://"+resolved.Host != targetOrigin {
		return raw
	}

	return mirrorPath(encodedSlug, resolved)
}
