// Package links extracts outgoing links and front-matter metadata from
// Markdown and HTML documents.
package links

import (
	"bytes"
	"net/url"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loomkb/loom/internal/schema"
)

var (
	// [text](target "title") and ![alt](target)
	markdownPattern = regexp.MustCompile(`\[[^\]]*\]\(\s*<?([^)\s>]+)>?(?:\s+"[^"]*")?\s*\)`)
	// [[target]] and [[target|alias]]
	wikiPattern = regexp.MustCompile(`\[\[([^\]|]+)(?:\|[^\]]+)?\]\]`)
)

// remoteKeys are the front-matter keys naming a document's remote origin, by preference.
var remoteKeys = []string{"url", "source"}

// Link is one outgoing reference in document order.
type Link struct {
	Target   string
	Kind     schema.LinkKind
	Position int
}

// Result is what Extract found in a document.
type Result struct {
	RemoteID string
	Links    []Link
}

// Supported reports whether Extract understands files with path's extension.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".html", ".htm":
		return true
	}
	return false
}

// Extract parses content according to path's extension. Unsupported files
// yield an empty result.
func Extract(path string, content []byte) Result {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return extractMarkdown(content)
	case ".html", ".htm":
		return extractHTML(content)
	}
	return Result{}
}

type located struct {
	offset int
	target string
	kind   schema.LinkKind
}

func extractMarkdown(content []byte) Result {
	meta, body := splitFrontMatter(content)

	var found []located
	for _, m := range markdownPattern.FindAllSubmatchIndex(body, -1) {
		found = append(found, located{offset: m[0], target: string(body[m[2]:m[3]]), kind: schema.LinkMarkdown})
	}
	for _, m := range wikiPattern.FindAllSubmatchIndex(body, -1) {
		found = append(found, located{offset: m[0], target: strings.TrimSpace(string(body[m[2]:m[3]])), kind: schema.LinkWiki})
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].offset < found[j].offset })

	res := Result{RemoteID: remoteID(meta)}
	for _, f := range found {
		if skipTarget(f.target) {
			continue
		}
		res.Links = append(res.Links, Link{Target: f.target, Kind: f.kind, Position: len(res.Links)})
	}
	return res
}

// splitFrontMatter separates a leading "---" YAML block from the body.
// Malformed front matter is treated as body text.
func splitFrontMatter(content []byte) (map[string]any, []byte) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, content
	}
	rest := normalized[4:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, content
	}
	var meta map[string]any
	if err := yaml.Unmarshal(rest[:end], &meta); err != nil {
		return nil, content
	}
	bodyStart := 4 + end + len("\n---")
	if nl := bytes.IndexByte(normalized[bodyStart:], '\n'); nl >= 0 {
		bodyStart += nl + 1
	} else {
		bodyStart = len(normalized)
	}
	return meta, normalized[bodyStart:]
}

func remoteID(meta map[string]any) string {
	for _, key := range remoteKeys {
		if s, ok := meta[key].(string); ok && IsRemote(s) {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// skipTarget drops in-page anchors and non-resource schemes.
func skipTarget(target string) bool {
	if target == "" || strings.HasPrefix(target, "#") {
		return true
	}
	lower := strings.ToLower(target)
	for _, scheme := range []string{"mailto:", "tel:", "javascript:", "data:"} {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// IsRemote reports whether target is an http(s) URL.
func IsRemote(target string) bool {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Resolve maps a link target found in sourcePath to a local id or a remote
// URL. Wiki targets without an extension resolve to a sibling ".md" file.
func Resolve(sourcePath string, l Link) (local, remote string) {
	target := strings.TrimSpace(l.Target)
	if IsRemote(target) {
		return "", target
	}

	if strings.HasPrefix(target, "file://") {
		if p, ok := schema.PathFromLocalID(target); ok {
			return schema.MustLocalID(p), ""
		}
	}

	if i := strings.IndexAny(target, "#?"); i >= 0 {
		target = target[:i]
	}
	if target == "" {
		return "", ""
	}
	if unescaped, err := url.PathUnescape(target); err == nil {
		target = unescaped
	}
	if l.Kind == schema.LinkWiki && filepath.Ext(target) == "" {
		target += ".md"
	}

	p := filepath.FromSlash(target)
	if !filepath.IsAbs(p) {
		p = filepath.Join(filepath.Dir(sourcePath), p)
	}
	id, err := schema.LocalID(p)
	if err != nil {
		return "", ""
	}
	return id, ""
}
