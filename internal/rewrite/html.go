// Package rewrite implements the HTML (C4) and CSS (C5) content rewriters:
// every in-origin reference is rewritten to route back through
// /m/<slug>/..., so mirrored navigation never escapes the proxy.
//
// The DOM-walk style (recursive descent over *html.Node, case-insensitive
// tag/attribute lookup) is grounded on the teacher's
// internal/common/htmlprocessor/dom.go.
package rewrite

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// rewritableAttrs maps a lowercase tag name to the attributes on it that
// carry rewritable URLs, per the attribute set in the content design.
var rewritableAttrs = map[string][]string{
	"a":      {"href"},
	"link":   {"href"},
	"script": {"src"},
	"img":    {"src", "srcset"},
	"source": {"src", "srcset"},
	"video":  {"src", "poster"},
	"audio":  {"src"},
	"iframe": {"src"},
	"form":   {"action"},
}

var skipPrefixes = []string{"#", "data:", "mailto:", "tel:", "javascript:"}

// RewriteHTML rewrites in-origin attribute references and srcset entries in
// htmlSrc, resolved against baseURL, into mirror paths under
// /m/<slug>/..., and ensures a noindex robots meta tag is present.
func RewriteHTML(htmlSrc []byte, baseURL *url.URL, targetOrigin, slug string) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(htmlSrc))
	if err != nil {
		return nil, err
	}

	encodedSlug := url.PathEscape(slug)

	removeBaseElements(doc)
	rewriteAttrs(doc, baseURL, targetOrigin, encodedSlug)
	ensureRobotsMeta(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func removeBaseElements(n *html.Node) {
	var toRemove []*html.Node
	walk(n, func(node *html.Node) {
		if node.Type == html.ElementNode && strings.EqualFold(node.Data, "base") {
			toRemove = append(toRemove, node)
		}
	})
	for _, node := range toRemove {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}
}

func rewriteAttrs(n *html.Node, baseURL *url.URL, targetOrigin, encodedSlug string) {
	walk(n, func(node *html.Node) {
		if node.Type != html.ElementNode {
			return
		}
		tag := strings.ToLower(node.Data)
		attrs, ok := rewritableAttrs[tag]
		if !ok {
			return
		}
		for i, attr := range node.Attr {
			name := strings.ToLower(attr.Key)
			if !containsString(attrs, name) {
				continue
			}
			if name == "srcset" {
				node.Attr[i].Val = rewriteSrcset(attr.Val, baseURL, targetOrigin, encodedSlug)
				continue
			}
			node.Attr[i].Val = rewriteURLValue(attr.Val, baseURL, targetOrigin, encodedSlug)
		}
	})
}

// rewriteURLValue resolves raw against baseURL and, if the resolved origin
// matches targetOrigin exactly, replaces it with a mirror path. Otherwise
// raw is returned unchanged.
//
// A value that already looks like a mirror path (/m/<encodedSlug> or
// /m/<encodedSlug>/...) is left untouched: resolving it against baseURL
// would keep baseURL's host, match targetOrigin again, and get re-prefixed
// into /m/<slug>/m/<slug>/..., breaking the rewrite-twice-is-a-no-op
// invariant.
func rewriteURLValue(raw string, baseURL *url.URL, targetOrigin, encodedSlug string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	lower := strings.ToLower(trimmed)
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return raw
		}
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

// isMirrorPath reports whether value is already a /m/<encodedSlug> mirror
// path (with or without a trailing tail), the marker left behind by a prior
// rewrite pass.
func isMirrorPath(value, encodedSlug string) bool {
	prefix := "/m/" + encodedSlug
	return value == prefix || strings.HasPrefix(value, prefix+"/") || strings.HasPrefix(value, prefix+"?")
}

func mirrorPath(encodedSlug string, u *url.URL) string {
	var b strings.Builder
	b.WriteString("/m/")
	b.WriteString(encodedSlug)
	if u.Path != "" && u.Path != "/" {
		b.WriteString(u.Path)
	}
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

// rewriteSrcset splits on commas outside of parens, rewrites only the URL
// portion of each "<url> <descriptor?>" segment, and rejoins with ", ".
func rewriteSrcset(value string, baseURL *url.URL, targetOrigin, encodedSlug string) string {
	segments := splitSrcset(value)
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		parts := strings.SplitN(seg, " ", 2)
		url := rewriteURLValue(parts[0], baseURL, targetOrigin, encodedSlug)
		if len(parts) == 2 {
			out = append(out, url+" "+strings.TrimSpace(parts[1]))
		} else {
			out = append(out, url)
		}
	}
	return strings.Join(out, ", ")
}

func splitSrcset(value string) []string {
	var segments []string
	depth := 0
	start := 0
	for i, r := range value {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				segments = append(segments, value[start:i])
				start = i + 1
			}
		}
	}
	segments = append(segments, value[start:])
	return segments
}

func ensureRobotsMeta(doc *html.Node) {
	head := findElement(doc, "head")
	if head == nil {
		return
	}
	for _, meta := range findAllElements(head, "meta") {
		if strings.EqualFold(getAttr(meta, "name"), "robots") {
			return
		}
	}

	metaNode := &html.Node{
		Type: html.ElementNode,
		Data: "meta",
		Attr: []html.Attribute{
			{Key: "name", Val: "robots"},
			{Key: "content", Val: "noindex,nofollow"},
		},
	}
	head.InsertBefore(metaNode, head.FirstChild)
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && strings.EqualFold(n.Data, tag) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func findAllElements(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	walk(n, func(node *html.Node) {
		if node.Type == html.ElementNode && strings.EqualFold(node.Data, tag) {
			out = append(out, node)
		}
	})
	return out
}

func getAttr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
