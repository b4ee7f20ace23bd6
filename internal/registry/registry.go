// Package registry holds the tool catalog and the dispatcher that executes
// tool calls on behalf of the MCP transports.
//
// A tool is described by an immutable Descriptor: canonical dotted name,
// input schema, the token kinds it accepts, and the platform path/method the
// generic handler turns into an outbound request. Which descriptors a server
// actually serves is decided once, by resolving a Policy (presets, allow and
// deny lists, token mode) against the catalog:
//
//   - presets compose as a disjoint union, de-duplicated, first occurrence
//     wins
//   - the allow list intersects, the deny list subtracts
//   - tools whose required tokens can never be satisfied under the token
//     mode are dropped
//
// Resolution is pure and memoised per policy fingerprint.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/pkg/models"
)

// PresetComplete is the virtual preset naming the whole catalog, including
// descriptors loaded from a tools directory.
const PresetComplete = "preset.complete"

// Handler executes one resolved invocation. Implementations must treat the
// token in the invocation as ephemeral: use it for the call, never store it.
type Handler func(ctx context.Context, inv *Invocation) (*models.ToolResult, error)

// Descriptor describes one tool. Descriptors are immutable after
// registration; the registry owns them and hands out shared pointers.
type Descriptor struct {
	// Name is the canonical dotted identifier, e.g. im.v1.message.create.
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`

	// RequiredTokens lists the token kinds the tool can authenticate with.
	// Empty means the tool needs no platform credential at all.
	RequiredTokens []models.TokenKind `json:"required_tokens,omitempty"`

	// Project groups tools for preset construction (im, calendar, bitable…).
	Project string `json:"project,omitempty"`

	// APIPath and Method are data consumed by the generic platform handler.
	// Path segments in {braces} are substituted from the call arguments.
	APIPath string `json:"api_path,omitempty"`
	Method  string `json:"method,omitempty"`

	// Handler overrides the dispatcher's default handler when set.
	Handler Handler `json:"-"`
}

// AcceptsToken reports whether the tool can authenticate with kind.
func (d *Descriptor) AcceptsToken(kind models.TokenKind) bool {
	for _, k := range d.RequiredTokens {
		if k == kind {
			return true
		}
	}
	return false
}

// Preset is a named, ordered collection of canonical tool names.
type Preset struct {
	Name  string
	Tools []string
}

// Policy narrows the catalog to the served tool set.
type Policy struct {
	// Presets compose in order; empty means the whole catalog.
	Presets []string
	// Allow, when non-empty, intersects the composed set. Names may be given
	// in any casing.
	Allow []string
	// Deny subtracts from the composed set. Names may be given in any casing.
	Deny []string
	// TokenMode governs credential selection and drops tools that could
	// never be satisfied (a user-only tool under tenantOnly, and vice versa).
	TokenMode models.TokenMode
}

// fingerprint is the memoisation key: presets keep order, allow/deny are
// order-insensitive sets.
func (p Policy) fingerprint() string {
	allow := append([]string(nil), p.Allow...)
	deny := append([]string(nil), p.Deny...)
	sort.Strings(allow)
	sort.Strings(deny)
	return strings.Join([]string{
		strings.Join(p.Presets, ","),
		strings.Join(allow, ","),
		strings.Join(deny, ","),
		string(p.TokenMode),
	}, "\x1f")
}

// Registry is the immutable tool catalog plus preset table. Construction
// validates every name and builds a reverse index covering all four casings,
// so any rendering resolves back to exactly one canonical tool.
type Registry struct {
	order   []string
	byName  map[string]*Descriptor
	presets map[string]Preset
	reverse map[string]string // rendering (any casing) → canonical name

	mu       sync.Mutex
	resolved map[string][]*Descriptor
}

// New builds a registry from descriptors and presets. It fails when a name
// is malformed, two tools share a rendering in any casing, or a preset
// references an unknown tool.
func New(descriptors []Descriptor, presets []Preset) (*Registry, error) {
	r := &Registry{
		byName:   make(map[string]*Descriptor, len(descriptors)),
		presets:  make(map[string]Preset, len(presets)),
		reverse:  make(map[string]string, len(descriptors)*4),
		resolved: make(map[string][]*Descriptor),
	}
	for i := range descriptors {
		d := descriptors[i]
		if err := ValidateName(d.Name); err != nil {
			return nil, err
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate tool %q", d.Name)
		}
		r.byName[d.Name] = &d
		r.order = append(r.order, d.Name)
		for _, c := range Casings() {
			rendered := Render(d.Name, c)
			if prev, ok := r.reverse[rendered]; ok && prev != d.Name {
				return nil, fmt.Errorf("registry: %q and %q both render to %q (%s)", prev, d.Name, rendered, c)
			}
			r.reverse[rendered] = d.Name
		}
	}
	for _, p := range presets {
		if _, dup := r.presets[p.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate preset %q", p.Name)
		}
		for _, tool := range p.Tools {
			if _, ok := r.byName[tool]; !ok {
				return nil, fmt.Errorf("registry: preset %q references unknown tool %q", p.Name, tool)
			}
		}
		r.presets[p.Name] = p
	}
	return r, nil
}

// Canonical resolves a name in any supported rendering to its canonical
// dotted form. Characters outside the recognised class are an
// *InvalidNameError; an in-class name with no catalog entry is
// ErrToolNotFound.
func (r *Registry) Canonical(name string) (string, error) {
	if !renderedPattern.MatchString(name) {
		return "", &InvalidNameError{Name: name, Reason: "characters outside [a-zA-Z0-9._]"}
	}
	canonical, ok := r.reverse[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return canonical, nil
}

// Get returns the descriptor for a canonical name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Names returns every canonical name in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Len reports the catalog size.
func (r *Registry) Len() int { return len(r.order) }

// Resolve applies a policy and returns the served descriptors in composition
// order. Results are cached per policy fingerprint; unknown preset names are
// an error, unknown allow/deny entries are skipped with a warning.
func (r *Registry) Resolve(policy Policy) ([]*Descriptor, error) {
	key := policy.fingerprint()
	r.mu.Lock()
	if cached, ok := r.resolved[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	names, err := r.compose(policy.Presets)
	if err != nil {
		return nil, err
	}
	allow := r.normalizeSet(policy.Allow)
	deny := r.normalizeSet(policy.Deny)

	out := make([]*Descriptor, 0, len(names))
	for _, n := range names {
		if len(policy.Allow) > 0 && !allow[n] {
			continue
		}
		if deny[n] {
			continue
		}
		d := r.byName[n]
		if !compatible(d, policy.TokenMode) {
			continue
		}
		out = append(out, d)
	}

	r.mu.Lock()
	r.resolved[key] = out
	r.mu.Unlock()
	return out, nil
}

// compose unions the preset tool lists in order, first occurrence wins.
func (r *Registry) compose(presets []string) ([]string, error) {
	if len(presets) == 0 {
		return r.order, nil
	}
	var names []string
	seen := make(map[string]bool)
	for _, pname := range presets {
		if pname == PresetComplete {
			for _, tool := range r.order {
				if !seen[tool] {
					seen[tool] = true
					names = append(names, tool)
				}
			}
			continue
		}
		p, ok := r.presets[pname]
		if !ok {
			return nil, fmt.Errorf("registry: unknown preset %q", pname)
		}
		for _, tool := range p.Tools {
			if !seen[tool] {
				seen[tool] = true
				names = append(names, tool)
			}
		}
	}
	return names, nil
}

// normalizeSet maps allow/deny entries (any casing) to canonical names.
func (r *Registry) normalizeSet(entries []string) map[string]bool {
	if len(entries) == 0 {
		return nil
	}
	set := make(map[string]bool, len(entries))
	for _, e := range entries {
		canonical, err := r.Canonical(e)
		if err != nil {
			log.Warn().Str("tool", e).Msg("Policy references unknown tool, skipping")
			continue
		}
		set[canonical] = true
	}
	return set
}

// compatible reports whether the tool could ever run under the token mode.
// Auto mode drops nothing: the per-call credential check decides.
func compatible(d *Descriptor, mode models.TokenMode) bool {
	if len(d.RequiredTokens) == 0 {
		return true
	}
	switch mode {
	case models.TokenModeTenantOnly:
		return d.AcceptsToken(models.TokenKindTenant)
	case models.TokenModeUserOnly:
		return d.AcceptsToken(models.TokenKindUser)
	}
	return true
}

// Invocation is the resolved request context handed to a Handler.
type Invocation struct {
	Descriptor *Descriptor
	Params     map[string]any

	// TokenKind and Token are the effective credential for this call. Token
	// is empty when the tool requires none.
	TokenKind models.TokenKind
	Token     string

	RequestID string
	StartedAt time.Time

	// Tier is the rate-limit tier the platform call will be charged to.
	Tier string
}
