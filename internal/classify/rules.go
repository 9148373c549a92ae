package classify

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ScoreMode selects how matching priority directories combine.
type ScoreMode string

const (
	// ScoreSum adds the contribution of every matching priority directory.
	ScoreSum ScoreMode = "sum"
	// ScoreMax keeps only the contribution of the most specific (deepest)
	// matching priority directory.
	ScoreMax ScoreMode = "max"
)

// DefaultDecay halves a priority directory's weight for each extra level of nesting.
const DefaultDecay = 0.5

// PriorityDir boosts everything beneath Path by Weight.
type PriorityDir struct {
	Path   string  `mapstructure:"path" yaml:"path"`
	Weight float64 `mapstructure:"weight" yaml:"weight"`
}

// Rules is the declarative classifier configuration. All paths must be absolute.
type Rules struct {
	IncludePaths      []string      `mapstructure:"include_paths" yaml:"include_paths"`
	ExcludePaths      []string      `mapstructure:"exclude_paths" yaml:"exclude_paths"`
	ExcludeDirNames   []string      `mapstructure:"exclude_dirnames" yaml:"exclude_dirnames"`
	ExcludeGlobs      []string      `mapstructure:"exclude_globs" yaml:"exclude_globs"`
	IncludeExtensions []string      `mapstructure:"include_extensions" yaml:"include_extensions"`
	PriorityDirs      []PriorityDir `mapstructure:"priority_dirs" yaml:"priority_dirs"`
	Decay             float64       `mapstructure:"decay" yaml:"decay"`
	ScoreMode         ScoreMode     `mapstructure:"score_mode" yaml:"score_mode"`
}

// Validate checks the rules and returns every problem found, joined.
func (r Rules) Validate() error {
	var errs []error

	checkAbs := func(field string, paths []string) {
		for _, p := range paths {
			if p == "" || !filepath.IsAbs(p) {
				errs = append(errs, configErr(field, p, "path must be absolute"))
			}
		}
	}
	checkAbs("include_paths", r.IncludePaths)
	checkAbs("exclude_paths", r.ExcludePaths)
	for _, pd := range r.PriorityDirs {
		checkAbs("priority_dirs", []string{pd.Path})
	}

	for _, name := range r.ExcludeDirNames {
		if name == "" || strings.ContainsAny(name, `/\`) {
			errs = append(errs, configErr("exclude_dirnames", name, "must be a single path segment"))
		}
	}
	for _, g := range r.ExcludeGlobs {
		if _, err := filepath.Match(g, ""); err != nil {
			errs = append(errs, configErr("exclude_globs", g, "malformed glob"))
		}
	}
	for _, ext := range r.IncludeExtensions {
		if ext == "" || strings.ContainsAny(ext, `/\`) {
			errs = append(errs, configErr("include_extensions", ext, "invalid extension"))
		}
	}

	if r.Decay < 0 || r.Decay > 1 {
		errs = append(errs, configErr("decay", fmt.Sprint(r.Decay), "must be in (0, 1]"))
	}
	switch r.ScoreMode {
	case "", ScoreSum, ScoreMax:
	default:
		errs = append(errs, configErr("score_mode", string(r.ScoreMode), "must be sum or max"))
	}

	// An include path swallowed by an exclusion can never match anything.
	for _, inc := range r.IncludePaths {
		for _, exc := range r.ExcludePaths {
			if within(clean(inc), clean(exc)) {
				errs = append(errs, configErr("include_paths", inc, fmt.Sprintf("contradicts exclude path %s", exc)))
			}
		}
	}

	seen := make(map[string]bool)
	for _, pd := range r.PriorityDirs {
		p := clean(pd.Path)
		if pd.Weight < 0 {
			errs = append(errs, configErr("priority_dirs", pd.Path, "weight must not be negative"))
		}
		if seen[p] {
			errs = append(errs, configErr("priority_dirs", pd.Path, "duplicate priority directory"))
		}
		seen[p] = true
		for _, exc := range r.ExcludePaths {
			if within(p, clean(exc)) {
				errs = append(errs, configErr("priority_dirs", pd.Path, fmt.Sprintf("lies inside exclude path %s", exc)))
			}
		}
		for _, seg := range segments(p) {
			for _, name := range r.ExcludeDirNames {
				if seg == name {
					errs = append(errs, configErr("priority_dirs", pd.Path, fmt.Sprintf("lies inside excluded directory name %s", name)))
				}
			}
		}
	}

	return errors.Join(errs...)
}

func clean(p string) string {
	return filepath.Clean(p)
}

// within reports whether path is dir or lies beneath it, on segment boundaries.
func within(path, dir string) bool {
	if path == dir {
		return true
	}
	if strings.HasSuffix(dir, string(filepath.Separator)) {
		return strings.HasPrefix(path, dir)
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}

func segments(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == filepath.Separator })
}
