// Package vars implements the per-run variable environment: dotted-path
// lookup and {{a.b.c}} placeholder substitution over arbitrary config values.
package vars

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Env maps variable names to values. Nested maps are addressed with dotted
// paths, so {{page.body}} resolves through Env["page"].(map)["body"].
type Env map[string]any

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\s*\}\}`)

// Resolve walks a dotted path through nested maps. The second return is false
// when any segment is undefined or a non-map is indexed further.
func (e Env) Resolve(path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = map[string]any(e)
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Substitute replaces placeholders throughout v, recursing into maps and
// slices. Strings consisting of exactly one placeholder substitute the
// resolved value itself, preserving its type, so a stage output that is a map
// can be passed whole to a later stage. Undefined paths leave the placeholder
// verbatim rather than failing; the compiler's warning pass is the defense
// against genuinely missing variables.
func (e Env) Substitute(v any) any {
	switch val := v.(type) {
	case string:
		return e.substituteString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = e.Substitute(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = e.Substitute(item)
		}
		return out
	default:
		return v
	}
}

// SubstituteMap is Substitute specialized to a stage config map.
func (e Env) SubstituteMap(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	return e.Substitute(cfg).(map[string]any)
}

func (e Env) substituteString(s string) any {
	if !strings.Contains(s, "{{") {
		return s
	}

	// A string that is exactly one placeholder keeps the resolved value's type.
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		if v, ok := e.Resolve(m[1]); ok {
			return v
		}
		return s
	}

	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := e.Resolve(path)
		if !ok {
			return match
		}
		return render(v)
	})
}

// render turns a resolved value into text for insertion into a larger string.
// Structured values are rendered as compact JSON; scalars via Sprint.
func render(v any) string {
	switch v.(type) {
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return fmt.Sprint(v)
	}
}

// References collects the root variable names referenced by placeholders
// anywhere inside v, in first-seen order. Dotted paths report only their
// first segment: {{page.body}} references "page". Used by the compiler's
// warning pass; it walks the structured value, never a serialized blob.
func References(v any) []string {
	var out []string
	seen := make(map[string]bool)
	walkStrings(v, func(s string) {
		for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
			root, _, _ := strings.Cut(m[1], ".")
			if !seen[root] {
				seen[root] = true
				out = append(out, root)
			}
		}
	})
	return out
}

func walkStrings(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	}
}
