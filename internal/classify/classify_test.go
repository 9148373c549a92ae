package classify

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func mustNew(t *testing.T, r Rules) *Classifier {
	t.Helper()
	c, err := New(r)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func TestClassify_Exclusion(t *testing.T) {
	c := mustNew(t, Rules{
		IncludePaths:    []string{"/proj"},
		ExcludePaths:    []string{"/proj/build"},
		ExcludeDirNames: []string{"node_modules", ".git"},
		ExcludeGlobs:    []string{"*.tmp", "/proj/secret/*"},
	})

	tests := []struct {
		path    string
		inScope bool
	}{
		{"/proj/node_modules/x.md", false},
		{"/proj/a/node_modules/b/c.md", false},
		{"/proj/.git/HEAD", false},
		{"/proj/notes.tmp", false},
		{"/proj/secret/key.md", false},
		{"/proj/build/out.md", false},
		{"/proj/buildings/plan.md", true},
		{"/proj/notes.md", true},
		{"/other/notes.md", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			d := c.Classify(tt.path)
			if d.InScope != tt.inScope {
				t.Errorf("Classify(%s).InScope = %v, want %v (reason %q)", tt.path, d.InScope, tt.inScope, d.Reason)
			}
			if !d.InScope && d.Priority != 0 {
				t.Errorf("out-of-scope path has priority %v", d.Priority)
			}
		})
	}
}

func TestClassify_ExclusionBeatsPriority(t *testing.T) {
	c := mustNew(t, Rules{
		ExcludeGlobs: []string{"*.bak"},
		PriorityDirs: []PriorityDir{{Path: "/p", Weight: 10}},
	})
	if d := c.Classify("/p/x.bak"); d.InScope {
		t.Errorf("excluded file under a priority dir is in scope: %+v", d)
	}
}

func TestClassify_PriorityOrdering(t *testing.T) {
	c := mustNew(t, Rules{
		PriorityDirs: []PriorityDir{{Path: "/root/P", Weight: 10}},
	})

	p := c.Classify("/root/P/x")
	q := c.Classify("/root/Q/x")
	if !p.InScope || !q.InScope {
		t.Fatalf("both paths should be in scope: %+v %+v", p, q)
	}
	if p.Priority <= q.Priority {
		t.Errorf("priority(P/x) = %v, priority(Q/x) = %v; want P > Q", p.Priority, q.Priority)
	}
	if p.Priority != 10 {
		t.Errorf("direct child of weight-10 dir has priority %v, want 10", p.Priority)
	}
}

func TestDepthDecayScorer(t *testing.T) {
	dirs := []PriorityDir{
		{Path: "/kb", Weight: 4},
		{Path: "/kb/projects", Weight: 10},
	}

	tests := []struct {
		name   string
		mode   ScoreMode
		decay  float64
		path   string
		want   float64
		reason string
	}{
		{"direct child", ScoreSum, 0.5, "/kb/a.md", 4, "/kb (+4)"},
		{"decays with depth", ScoreSum, 0.5, "/kb/x/y/a.md", 1, "/kb (+1)"},
		{"nested dirs sum", ScoreSum, 0.5, "/kb/projects/a.md", 10 + 2, "/kb/projects (+10) + /kb (+2)"},
		{"max keeps most specific", ScoreMax, 0.5, "/kb/projects/a.md", 10, "/kb/projects (+10)"},
		{"max outside nested dir", ScoreMax, 0.5, "/kb/x/a.md", 2, "/kb (+2)"},
		{"no decay", ScoreSum, 1, "/kb/x/y/a.md", 4, "/kb (+4)"},
		{"no match", ScoreSum, 0.5, "/elsewhere/a.md", 0, "no priority directory"},
		{"sibling prefix does not match", ScoreSum, 0.5, "/kbx/a.md", 0, "no priority directory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewDepthDecayScorer(dirs, tt.decay, tt.mode)
			got, reason := s.Score(tt.path)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Score(%s) = %v, want %v", tt.path, got, tt.want)
			}
			if !strings.Contains(reason, tt.reason) {
				t.Errorf("Score(%s) reason = %q, want it to contain %q", tt.path, reason, tt.reason)
			}
		})
	}
}

func TestDepthDecayScorer_TieFavorsLongerPrefix(t *testing.T) {
	// /a at depth 2 and /a/b at depth 1 both contribute 4.
	s := NewDepthDecayScorer([]PriorityDir{
		{Path: "/a", Weight: 8},
		{Path: "/a/b", Weight: 4},
	}, 0.5, ScoreSum)

	_, reason := s.Score("/a/b/c.md")
	if !strings.HasPrefix(reason, "priority dirs /a/b ") {
		t.Errorf("tie should report the longer prefix first, got %q", reason)
	}
}

func TestDepthDecayScorer_MaxIsMostSpecific(t *testing.T) {
	// The shallower directory contributes more, but max mode keeps the
	// deepest match.
	s := NewDepthDecayScorer([]PriorityDir{
		{Path: "/kb", Weight: 40},
		{Path: "/kb/projects", Weight: 10},
	}, 0.5, ScoreMax)

	got, reason := s.Score("/kb/projects/a.md")
	if got != 10 {
		t.Errorf("Score() = %v, want 10", got)
	}
	if reason != "priority dir /kb/projects (+10)" {
		t.Errorf("reason = %q", reason)
	}
}

func TestClassify_CustomScorer(t *testing.T) {
	c, err := NewWithScorer(Rules{}, ScorerFunc(func(path string) (float64, string) {
		return -5, "negative"
	}))
	if err != nil {
		t.Fatalf("NewWithScorer() failed: %v", err)
	}
	if d := c.Classify("/x.md"); d.Priority != 0 {
		t.Errorf("priority = %v, want clamp to 0", d.Priority)
	}
}

func TestClassify_IncludeExtensions(t *testing.T) {
	c := mustNew(t, Rules{IncludeExtensions: []string{"md", ".TXT"}})

	for path, want := range map[string]bool{
		"/n/a.md":  true,
		"/n/b.txt": true,
		"/n/c.MD":  true,
		"/n/d.go":  false,
		"/n/noext": false,
	} {
		if got := c.Classify(path).InScope; got != want {
			t.Errorf("Classify(%s).InScope = %v, want %v", path, got, want)
		}
	}
}

func TestClassify_IsTotal(t *testing.T) {
	c := mustNew(t, Rules{ExcludeGlobs: []string{"[a-c]*"}})
	for _, p := range []string{"", ".", "relative/path", "/", "//x//y/", "/[weird"} {
		_ = c.Classify(p)
	}
}

func TestSkipDir(t *testing.T) {
	c := mustNew(t, Rules{
		ExcludePaths:    []string{"/proj/vendor"},
		ExcludeDirNames: []string{"node_modules"},
	})
	if !c.SkipDir("/proj/web/node_modules") {
		t.Error("SkipDir(node_modules) = false")
	}
	if !c.SkipDir("/proj/vendor") {
		t.Error("SkipDir(/proj/vendor) = false")
	}
	if c.SkipDir("/proj/web") {
		t.Error("SkipDir(/proj/web) = true")
	}
}

func TestNew_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		rules Rules
		field string
	}{
		{"malformed glob", Rules{ExcludeGlobs: []string{"[abc"}}, "exclude_globs"},
		{"negative weight", Rules{PriorityDirs: []PriorityDir{{Path: "/p", Weight: -1}}}, "priority_dirs"},
		{"decay above one", Rules{Decay: 1.5}, "decay"},
		{"negative decay", Rules{Decay: -0.1}, "decay"},
		{"relative include", Rules{IncludePaths: []string{"notes"}}, "include_paths"},
		{"include inside exclude", Rules{IncludePaths: []string{"/a/b"}, ExcludePaths: []string{"/a"}}, "include_paths"},
		{"same include and exclude", Rules{IncludePaths: []string{"/a"}, ExcludePaths: []string{"/a/"}}, "include_paths"},
		{"priority inside exclude", Rules{ExcludePaths: []string{"/a"}, PriorityDirs: []PriorityDir{{Path: "/a/p", Weight: 1}}}, "priority_dirs"},
		{"priority inside excluded name", Rules{ExcludeDirNames: []string{"tmp"}, PriorityDirs: []PriorityDir{{Path: "/x/tmp/p", Weight: 1}}}, "priority_dirs"},
		{"duplicate priority", Rules{PriorityDirs: []PriorityDir{{Path: "/p", Weight: 1}, {Path: "/p/", Weight: 2}}}, "priority_dirs"},
		{"dirname with separator", Rules{ExcludeDirNames: []string{"a/b"}}, "exclude_dirnames"},
		{"unknown score mode", Rules{ScoreMode: "avg"}, "score_mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.rules)
			if err == nil {
				t.Fatal("New() succeeded, want ConfigurationError")
			}
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("error %v is not a ConfigurationError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
			if !IsConfigurationError(err) {
				t.Error("IsConfigurationError() = false")
			}
		})
	}
}

func TestNew_ExcludeCarveOutIsValid(t *testing.T) {
	mustNew(t, Rules{
		IncludePaths: []string{"/kb"},
		ExcludePaths: []string{"/kb/archive"},
		PriorityDirs: []PriorityDir{{Path: "/kb/projects", Weight: 10}},
	})
}
