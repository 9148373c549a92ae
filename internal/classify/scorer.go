package classify

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
)

// Scorer computes the priority of an in-scope path. Reason explains the score.
type Scorer interface {
	Score(path string) (priority float64, reason string)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(path string) (float64, string)

// Score implements Scorer.
func (f ScorerFunc) Score(path string) (float64, string) {
	return f(path)
}

// DepthDecayScorer scores a path by the priority directories above it. A
// directory contributes weight * decay^(depth-1), where depth counts the
// segments between the directory and the path.
type DepthDecayScorer struct {
	dirs  []PriorityDir
	decay float64
	mode  ScoreMode
}

// NewDepthDecayScorer returns a scorer for dirs. A zero decay selects
// DefaultDecay and an empty mode selects ScoreSum.
func NewDepthDecayScorer(dirs []PriorityDir, decay float64, mode ScoreMode) *DepthDecayScorer {
	if decay == 0 {
		decay = DefaultDecay
	}
	if mode == "" {
		mode = ScoreSum
	}
	sorted := make([]PriorityDir, len(dirs))
	for i, d := range dirs {
		sorted[i] = PriorityDir{Path: filepath.Clean(d.Path), Weight: d.Weight}
	}
	// Longest prefix first: the most specific match leads, and equal
	// contributions keep that order when summed.
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Path) > len(sorted[j].Path)
	})
	return &DepthDecayScorer{dirs: sorted, decay: decay, mode: mode}
}

type match struct {
	dir   string
	score float64
}

// Score implements Scorer.
func (s *DepthDecayScorer) Score(path string) (float64, string) {
	var matches []match
	for _, d := range s.dirs {
		if !within(path, d.Path) {
			continue
		}
		depth := 1
		if rel, err := filepath.Rel(d.Path, path); err == nil && rel != "." {
			depth = len(segments(rel))
		}
		matches = append(matches, match{dir: d.Path, score: d.Weight * math.Pow(s.decay, float64(depth-1))})
	}
	if len(matches) == 0 {
		return 0, "no priority directory"
	}

	// matches follow s.dirs, so the first one is the most specific directory.
	if s.mode == ScoreMax {
		m := matches[0]
		return math.Max(0, m.score), fmt.Sprintf("priority dir %s (%s)", m.dir, formatScore(m.score))
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})

	total := 0.0
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		total += m.score
		parts = append(parts, fmt.Sprintf("%s (%s)", m.dir, formatScore(m.score)))
	}
	return math.Max(0, total), "priority dirs " + strings.Join(parts, " + ")
}

func formatScore(v float64) string {
	return fmt.Sprintf("%+g", v)
}
