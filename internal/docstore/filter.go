package docstore

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Filter selects documents by top-level fields. All conditions must hold.
// The zero Filter matches every document.
type Filter struct {
	// Equals requires field == value. Values compare by their JSON form, so
	// 10 and 10.0 are equal.
	Equals map[string]any

	// Prefixes requires the string field to start with the given prefix.
	Prefixes map[string]string

	// NonEmpty requires each named field to be present and not "" or null.
	NonEmpty []string
}

// Eq returns a filter with a single equality condition.
func Eq(field string, value any) Filter {
	return Filter{Equals: map[string]any{field: value}}
}

// HasPrefix returns a filter with a single prefix condition.
func HasPrefix(field, prefix string) Filter {
	return Filter{Prefixes: map[string]string{field: prefix}}
}

// IsZero reports whether the filter has no conditions.
func (f Filter) IsZero() bool {
	return len(f.Equals) == 0 && len(f.Prefixes) == 0 && len(f.NonEmpty) == 0
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate rejects field names that backends cannot safely embed in a query.
func (f Filter) Validate() error {
	for _, field := range f.Fields() {
		if !fieldPattern.MatchString(field) {
			return fmt.Errorf("%w: field %q", ErrInvalidFilter, field)
		}
	}
	return nil
}

// Fields returns every field named by the filter, sorted and deduplicated.
func (f Filter) Fields() []string {
	seen := make(map[string]bool)
	for k := range f.Equals {
		seen[k] = true
	}
	for k := range f.Prefixes {
		seen[k] = true
	}
	for _, k := range f.NonEmpty {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SortedEquals returns the equality fields in a stable order.
func (f Filter) SortedEquals() []string {
	keys := make([]string, 0, len(f.Equals))
	for k := range f.Equals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SortedPrefixes returns the prefix fields in a stable order.
func (f Filter) SortedPrefixes() []string {
	keys := make([]string, 0, len(f.Prefixes))
	for k := range f.Prefixes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Match evaluates the filter against doc in process. Backends that cannot
// push a filter down to the server use it after loading documents.
func (f Filter) Match(doc Document) bool {
	for field, want := range f.Equals {
		got, ok := doc[field]
		if !ok || !sameValue(got, want) {
			return false
		}
	}
	for field, prefix := range f.Prefixes {
		s, ok := doc[field].(string)
		if !ok || !strings.HasPrefix(s, prefix) {
			return false
		}
	}
	for _, field := range f.NonEmpty {
		v, ok := doc[field]
		if !ok || v == nil {
			return false
		}
		if s, isString := v.(string); isString && s == "" {
			return false
		}
	}
	return true
}

// sameValue compares two JSON-compatible values, normalizing numbers.
func sameValue(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// EscapeLike escapes a prefix for use in a SQL LIKE pattern with ESCAPE '\'.
func EscapeLike(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
