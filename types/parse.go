package types

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrParse indicates the pipeline source could not be parsed.
	ErrParse = errors.New("pipeline parse error")
)

// Parse decodes a YAML pipeline definition. Structural invariants (unique
// stage ids, known kinds, per-kind config requirements) are the compiler's
// job, not the parser's; Parse only rejects input that has no usable shape.
func Parse(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(def.Stages) == 0 {
		return Definition{}, fmt.Errorf("%w: pipeline has no stages", ErrParse)
	}
	return def, nil
}

// ParseFile reads and parses a YAML pipeline file. A missing name defaults to
// the file name without extension.
func ParseFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	def, err := Parse(data)
	if err != nil {
		return Definition{}, err
	}
	if def.Name == "" {
		base := filepath.Base(path)
		def.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return def, nil
}

// ParseInline parses the shell-style shorthand
//
//	kind:key=value,key=value | kind:key=value | kind
//
// into a Definition named "inline". Stage ids are generated as s1, s2, ...
// The keys "output" and "when" map to the corresponding StageSpec fields;
// everything else lands in Config.
func ParseInline(src string) (Definition, error) {
	parts := strings.Split(src, "|")
	def := Definition{Name: "inline"}
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return Definition{}, fmt.Errorf("%w: empty stage at position %d", ErrParse, i+1)
		}
		spec := StageSpec{ID: fmt.Sprintf("s%d", i+1), Config: map[string]any{}}
		kind, rest, _ := strings.Cut(part, ":")
		spec.Kind = strings.TrimSpace(kind)
		if spec.Kind == "" {
			return Definition{}, fmt.Errorf("%w: stage %d has no kind", ErrParse, i+1)
		}
		if rest != "" {
			for _, pair := range splitArgs(rest) {
				key, value, ok := strings.Cut(pair, "=")
				if !ok {
					return Definition{}, fmt.Errorf("%w: stage %d: expected key=value, got %q", ErrParse, i+1, pair)
				}
				key = strings.TrimSpace(key)
				switch key {
				case "output":
					spec.Output = value
				case "when":
					spec.When = value
				default:
					spec.Config[key] = value
				}
			}
		}
		def.Stages = append(def.Stages, spec)
	}
	return def, nil
}

// splitArgs splits on commas that are not inside {{...}} placeholders, so
// inline configs like url={{base}},format=json survive templated values
// containing commas.
func splitArgs(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch {
		case strings.HasPrefix(s[i:], "{{"):
			depth++
			i++
		case strings.HasPrefix(s[i:], "}}"):
			if depth > 0 {
				depth--
			}
			i++
		case s[i] == ',' && depth == 0:
			out = append(out, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	out = append(out, strings.TrimSpace(s[start:]))
	return out
}
