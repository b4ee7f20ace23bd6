package registry

import (
	"fmt"
	"regexp"
	"strings"
)

// Casing selects how canonical dotted tool names are rendered on the wire.
// Some MCP clients reject dots in tool names, so the dispatcher can serve
// the same catalog under camel, snake or underscore renderings.
type Casing string

const (
	// CasingDotted leaves canonical names untouched: im.v1.message.create.
	CasingDotted Casing = "dotted"
	// CasingCamel joins segments and capitalizes each one after the first:
	// imV1MessageCreate.
	CasingCamel Casing = "camel"
	// CasingSnake lowers everything and underscores both segment and hump
	// boundaries: bitable.v1.appTableRecord.create →
	// bitable_v1_app_table_record_create.
	CasingSnake Casing = "snake"
	// CasingUnderscore swaps dots for underscores, preserving inner case:
	// bitable_v1_appTableRecord_create.
	CasingUnderscore Casing = "underscore"
)

// Casings returns every supported rendering.
func Casings() []Casing {
	return []Casing{CasingDotted, CasingCamel, CasingSnake, CasingUnderscore}
}

// ParseCasing validates a configuration string.
func ParseCasing(s string) (Casing, error) {
	switch c := Casing(s); c {
	case CasingDotted, CasingCamel, CasingSnake, CasingUnderscore:
		return c, nil
	}
	return "", fmt.Errorf("registry: unknown casing %q", s)
}

// segmentPattern is the shape of one canonical name segment: lowercase
// start, then letters and digits (inner humps allowed: appTableRecord).
var segmentPattern = regexp.MustCompile(`^[a-z][a-zA-Z0-9]*$`)

// renderedPattern is the character class any rendering stays inside. Input
// outside it cannot name a tool in any casing.
var renderedPattern = regexp.MustCompile(`^[a-zA-Z0-9._]+$`)

// InvalidNameError reports a name outside the recognised character class.
type InvalidNameError struct {
	Name   string
	Reason string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("registry: invalid tool name %q: %s", e.Name, e.Reason)
}

// ValidateName checks a canonical dotted name: non-empty segments separated
// by dots, each matching [a-z][a-zA-Z0-9]*.
func ValidateName(name string) error {
	if name == "" {
		return &InvalidNameError{Name: name, Reason: "empty"}
	}
	for _, seg := range strings.Split(name, ".") {
		if !segmentPattern.MatchString(seg) {
			return &InvalidNameError{Name: name, Reason: fmt.Sprintf("segment %q must match [a-z][a-zA-Z0-9]*", seg)}
		}
	}
	return nil
}

// Render converts a valid canonical name to the requested casing. Rendering
// is deterministic; the registry's reverse index maps renderings back and
// rejects catalogs where two tools would collide.
func Render(name string, c Casing) string {
	switch c {
	case CasingCamel:
		segs := strings.Split(name, ".")
		var b strings.Builder
		b.WriteString(segs[0])
		for _, seg := range segs[1:] {
			b.WriteString(strings.ToUpper(seg[:1]))
			b.WriteString(seg[1:])
		}
		return b.String()
	case CasingSnake:
		var words []string
		for _, seg := range strings.Split(name, ".") {
			words = append(words, splitHumps(seg)...)
		}
		return strings.Join(words, "_")
	case CasingUnderscore:
		return strings.ReplaceAll(name, ".", "_")
	default:
		return name
	}
}

// splitHumps breaks one segment into lowercase words at camel humps:
// appTableRecord → [app table record].
func splitHumps(seg string) []string {
	var words []string
	start := 0
	for i, r := range seg {
		if i > 0 && r >= 'A' && r <= 'Z' {
			words = append(words, strings.ToLower(seg[start:i]))
			start = i
		}
	}
	return append(words, strings.ToLower(seg[start:]))
}
