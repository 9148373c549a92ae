// Package classify decides whether a path is in scope and how much it matters.
//
// Rules are validated once by New; Classify is then a pure, total function.
// Exclusions always win over inclusion.
package classify

import (
	"path/filepath"
	"strings"
)

// Decision is the result of classifying one path.
type Decision struct {
	InScope  bool
	Priority float64
	Reason   string
}

// Classifier applies a validated rule set.
type Classifier struct {
	include    []string
	exclude    []string
	dirNames   map[string]bool
	globs      []string
	extensions map[string]bool
	scorer     Scorer
}

// New validates rules and builds a classifier using the DepthDecayScorer.
func New(rules Rules) (*Classifier, error) {
	return NewWithScorer(rules, nil)
}

// NewWithScorer is New with a custom scorer. A nil scorer selects the
// DepthDecayScorer configured from rules.
func NewWithScorer(rules Rules, scorer Scorer) (*Classifier, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	if scorer == nil {
		scorer = NewDepthDecayScorer(rules.PriorityDirs, rules.Decay, rules.ScoreMode)
	}

	c := &Classifier{
		dirNames:   make(map[string]bool),
		extensions: make(map[string]bool),
		globs:      append([]string(nil), rules.ExcludeGlobs...),
		scorer:     scorer,
	}
	for _, p := range rules.IncludePaths {
		c.include = append(c.include, filepath.Clean(p))
	}
	for _, p := range rules.ExcludePaths {
		c.exclude = append(c.exclude, filepath.Clean(p))
	}
	for _, n := range rules.ExcludeDirNames {
		c.dirNames[n] = true
	}
	for _, ext := range rules.IncludeExtensions {
		c.extensions[normalizeExt(ext)] = true
	}
	return c, nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Classify decides scope and priority for path.
func (c *Classifier) Classify(path string) Decision {
	path = filepath.Clean(path)

	if reason, excluded := c.excluded(path); excluded {
		return Decision{Reason: reason}
	}

	if len(c.include) > 0 {
		included := false
		for _, inc := range c.include {
			if within(path, inc) {
				included = true
				break
			}
		}
		if !included {
			return Decision{Reason: "outside include paths"}
		}
	}

	if len(c.extensions) > 0 && !c.extensions[strings.ToLower(filepath.Ext(path))] {
		return Decision{Reason: "extension not included"}
	}

	priority, reason := c.scorer.Score(path)
	if priority < 0 {
		priority = 0
	}
	return Decision{InScope: true, Priority: priority, Reason: reason}
}

// SkipDir reports whether a directory and everything beneath it is excluded.
// Walkers and watchers use it to avoid descending into excluded trees.
func (c *Classifier) SkipDir(path string) bool {
	_, excluded := c.excluded(filepath.Clean(path))
	return excluded
}

func (c *Classifier) excluded(path string) (string, bool) {
	for _, seg := range segments(path) {
		if c.dirNames[seg] {
			return "excluded directory name " + seg, true
		}
	}
	base := filepath.Base(path)
	for _, g := range c.globs {
		if ok, _ := filepath.Match(g, base); ok {
			return "excluded glob " + g, true
		}
		if ok, _ := filepath.Match(g, path); ok {
			return "excluded glob " + g, true
		}
	}
	for _, exc := range c.exclude {
		if within(path, exc) {
			return "excluded path " + exc, true
		}
	}
	return "", false
}
