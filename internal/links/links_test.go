package links

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/loomkb/loom/internal/schema"
)

func TestExtractMarkdown(t *testing.T) {
	content := []byte(`---
title: Reading list
url: https://example.com/reading
---
See [the guide](guide.md) and [[Project Plan]] or [[Ideas|my ideas]].
![diagram](img/flow.png "Flow")
Jump to [section](#later), mail [me](mailto:a@b.c).
External: [guide](https://example.com/guide?x=1).
`)

	got := Extract("/kb/list.md", content)

	want := Result{
		RemoteID: "https://example.com/reading",
		Links: []Link{
			{Target: "guide.md", Kind: schema.LinkMarkdown, Position: 0},
			{Target: "Project Plan", Kind: schema.LinkWiki, Position: 1},
			{Target: "Ideas", Kind: schema.LinkWiki, Position: 2},
			{Target: "img/flow.png", Kind: schema.LinkMarkdown, Position: 3},
			{Target: "https://example.com/guide?x=1", Kind: schema.LinkMarkdown, Position: 4},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractMarkdown_FrontMatter(t *testing.T) {
	tests := []struct {
		name    string
		content string
		remote  string
	}{
		{"source key", "---\nsource: http://example.org/a\n---\nbody\n", "http://example.org/a"},
		{"url wins over source", "---\nsource: http://example.org/a\nurl: https://example.org/b\n---\n", "https://example.org/b"},
		{"non-url ignored", "---\nsource: my notebook\n---\n", ""},
		{"crlf", "---\r\nurl: https://example.org/c\r\n---\r\ntext\r\n", "https://example.org/c"},
		{"malformed yaml", "---\nurl: [unclosed\n---\n[x](y.md)\n", ""},
		{"no front matter", "just text", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract("/n.md", []byte(tt.content))
			if got.RemoteID != tt.remote {
				t.Errorf("RemoteID = %q, want %q", got.RemoteID, tt.remote)
			}
		})
	}
}

func TestExtractHTML(t *testing.T) {
	content := []byte(`<html><head>
<link rel="canonical" href="https://example.com/page">
</head><body>
<a href="other.html">other</a>
<a href="#top">top</a>
<a href="https://example.com/x">x</a>
<a>no href</a>
</body></html>`)

	got := Extract("/site/index.html", content)
	want := Result{
		RemoteID: "https://example.com/page",
		Links: []Link{
			{Target: "other.html", Kind: schema.LinkHTML, Position: 0},
			{Target: "https://example.com/x", Kind: schema.LinkHTML, Position: 1},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
	}
}

func TestExtract_Unsupported(t *testing.T) {
	got := Extract("/bin/tool", []byte("[x](y)"))
	if len(got.Links) != 0 || got.RemoteID != "" {
		t.Errorf("Extract() on unsupported file = %+v, want empty", got)
	}
	if Supported("/a/b.go") || !Supported("/a/B.MD") {
		t.Error("Supported() misclassified extensions")
	}
}

func TestResolve(t *testing.T) {
	src := filepath.FromSlash("/kb/notes/a.md")

	tests := []struct {
		name   string
		link   Link
		local  string
		remote string
	}{
		{"relative", Link{Target: "b.md", Kind: schema.LinkMarkdown}, "file:///kb/notes/b.md", ""},
		{"parent", Link{Target: "../c.md#part", Kind: schema.LinkMarkdown}, "file:///kb/c.md", ""},
		{"escaped", Link{Target: "my%20note.md", Kind: schema.LinkMarkdown}, "file:///kb/notes/my note.md", ""},
		{"wiki adds extension", Link{Target: "Project Plan", Kind: schema.LinkWiki}, "file:///kb/notes/Project Plan.md", ""},
		{"absolute", Link{Target: "/etc/x.md", Kind: schema.LinkMarkdown}, "file:///etc/x.md", ""},
		{"remote", Link{Target: "https://example.com/a", Kind: schema.LinkHTML}, "", "https://example.com/a"},
		{"query only", Link{Target: "?q=1", Kind: schema.LinkHTML}, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, remote := Resolve(src, tt.link)
			if local != tt.local || remote != tt.remote {
				t.Errorf("Resolve(%q) = (%q, %q), want (%q, %q)", tt.link.Target, local, remote, tt.local, tt.remote)
			}
		})
	}
}
