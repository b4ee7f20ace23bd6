package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolplane/toolplane/internal/ratelimit"
	"github.com/toolplane/toolplane/internal/vault"
	"github.com/toolplane/toolplane/pkg/middleware"
	"github.com/toolplane/toolplane/pkg/models"
)

var (
	// ErrToolNotFound means the name resolved to no served tool.
	ErrToolNotFound = errors.New("registry: tool not found")
	// ErrAuthUnavailable means no credential satisfying the tool's token
	// requirements could be produced for this call.
	ErrAuthUnavailable = errors.New("registry: no usable credential for tool")
	// ErrInvalidTokenFormat rejects malformed user access tokens before they
	// reach the vault.
	ErrInvalidTokenFormat = errors.New("registry: invalid user token format")
)

// ValidationError reports call arguments that do not satisfy the tool's
// input schema. The transports map it to an invalid-params fault.
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("registry: invalid params for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// maxCompletions caps completion/complete result lists.
const maxCompletions = 100

// userTokenPattern is the accepted shape of a user access token: the
// platform issues them with a u- prefix over a URL-safe alphabet.
var userTokenPattern = regexp.MustCompile(`^u-[A-Za-z0-9._\-]{14,}$`)

// Dispatcher serves a policy-resolved slice of the catalog over a single
// casing and executes calls. It implements contracts.DispatcherService.
type Dispatcher struct {
	reg      *Registry
	vault    *vault.Vault
	casing   Casing
	policy   Policy
	served   []*Descriptor
	servedBy map[string]*Descriptor
	fallback Handler
	tracer   trace.Tracer
}

// Options configure a Dispatcher.
type Options struct {
	Casing Casing
	Policy Policy
	// Fallback runs descriptors that carry no Handler of their own; the
	// platform client provides the production one.
	Fallback Handler
}

// NewDispatcher resolves the policy once and fixes the served tool set.
func NewDispatcher(reg *Registry, v *vault.Vault, opts Options) (*Dispatcher, error) {
	if opts.Casing == "" {
		opts.Casing = CasingDotted
	}
	if opts.Policy.TokenMode == "" {
		opts.Policy.TokenMode = models.TokenModeAuto
	}
	served, err := reg.Resolve(opts.Policy)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		reg:      reg,
		vault:    v,
		casing:   opts.Casing,
		policy:   opts.Policy,
		served:   served,
		servedBy: make(map[string]*Descriptor, len(served)),
		fallback: opts.Fallback,
		tracer:   otel.Tracer("toolplane/registry"),
	}
	for _, t := range served {
		d.servedBy[t.Name] = t
	}
	log.Info().
		Int("tools", len(served)).
		Str("casing", string(opts.Casing)).
		Str("token_mode", string(opts.Policy.TokenMode)).
		Msg("Dispatcher ready")
	return d, nil
}

// ListTools returns the served descriptors with names rendered in the
// configured casing, in policy composition order.
func (d *Dispatcher) ListTools() []models.MCPToolInfo {
	return d.render(d.casing)
}

// ListToolsAs renders the served set in any supported casing. The MCP
// surface always uses the configured one; the ops API accepts ?casing= so
// operators can see the names a differently-configured client would get.
func (d *Dispatcher) ListToolsAs(casing string) ([]models.MCPToolInfo, error) {
	c := d.casing
	if casing != "" {
		parsed, err := ParseCasing(casing)
		if err != nil {
			return nil, err
		}
		c = parsed
	}
	return d.render(c), nil
}

func (d *Dispatcher) render(c Casing) []models.MCPToolInfo {
	out := make([]models.MCPToolInfo, 0, len(d.served))
	for _, t := range d.served {
		out = append(out, models.MCPToolInfo{
			Name:        Render(t.Name, c),
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

// Complete returns served tool names matching the prefix, sorted, for the
// completion/complete method.
func (d *Dispatcher) Complete(prefix string) []string {
	out := make([]string, 0, 16)
	for _, t := range d.served {
		if name := Render(t.Name, d.casing); strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	if len(out) > maxCompletions {
		out = out[:maxCompletions]
	}
	return out
}

// SetUserToken validates and stores a user access token for subsequent
// calls that prefer user identity. Stored tokens carry no expiry; the
// platform rejects stale ones on use.
func (d *Dispatcher) SetUserToken(token string) error {
	if !userTokenPattern.MatchString(token) {
		return ErrInvalidTokenFormat
	}
	if d.vault == nil {
		return errors.New("registry: no vault configured")
	}
	return d.vault.Store(models.TokenKindUser, token, time.Time{})
}

// Invoke resolves a name in any casing, validates the arguments, selects a
// credential and runs the handler. Handler failures come back inside an
// {isError:true} envelope with a nil error; a non-nil error means the call
// never reached a handler.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any) (*models.ToolResult, error) {
	canonical, err := d.reg.Canonical(name)
	if err != nil {
		return nil, err
	}
	tool, ok := d.servedBy[canonical]
	if !ok {
		return nil, fmt.Errorf("%w: %s not in served set", ErrToolNotFound, canonical)
	}
	if args == nil {
		args = map[string]any{}
	}
	if problems := validateParams(tool.InputSchema, args); len(problems) > 0 {
		return nil, &ValidationError{Tool: canonical, Problems: problems}
	}
	kind, token, err := d.credential(ctx, tool)
	if err != nil {
		return nil, err
	}

	inv := &Invocation{
		Descriptor: tool,
		Params:     args,
		TokenKind:  kind,
		Token:      token,
		RequestID:  uuid.New().String(),
		StartedAt:  time.Now(),
		Tier:       ratelimit.ClassifyRequest(tool.Method, tool.APIPath),
	}

	handler := tool.Handler
	if handler == nil {
		handler = d.fallback
	}
	if handler == nil {
		return nil, fmt.Errorf("registry: no handler wired for %s", canonical)
	}

	ctx, span := d.tracer.Start(ctx, "dispatch "+canonical,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tool.name", canonical),
			attribute.String("tool.token_kind", string(kind)),
			attribute.String("tool.tier", inv.Tier),
		),
	)
	defer span.End()

	res, err := runHandler(ctx, handler, inv)
	if err != nil {
		span.RecordError(err)
		log.Warn().
			Str("tool", canonical).
			Str("request_id", inv.RequestID).
			Dur("elapsed", time.Since(inv.StartedAt)).
			Err(err).
			Msg("Tool call failed")
		// A rate-limit rejection means the platform call was never issued;
		// surface it as a protocol fault, not a tool execution error.
		var limitErr *ratelimit.LimitError
		if errors.As(err, &limitErr) {
			return nil, err
		}
		return models.ErrorResult(err.Error()), nil
	}
	if res == nil {
		res = models.TextResult("")
	}
	log.Debug().
		Str("tool", canonical).
		Str("request_id", inv.RequestID).
		Dur("elapsed", time.Since(inv.StartedAt)).
		Bool("is_error", res.IsError).
		Msg("Tool call finished")
	return res, nil
}

// runHandler isolates handler panics: a crashing tool must never take the
// transport loop down with it.
func runHandler(ctx context.Context, h Handler, inv *Invocation) (res *models.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, inv)
}

// credential picks the effective token kind under the policy's token mode
// and fetches the secret. Tools with no RequiredTokens get an empty
// credential.
func (d *Dispatcher) credential(ctx context.Context, tool *Descriptor) (models.TokenKind, string, error) {
	if len(tool.RequiredTokens) == 0 {
		return "", "", nil
	}
	kind, err := d.pickKind(ctx, tool)
	if err != nil {
		return "", "", err
	}
	token, err := d.lookupToken(ctx, kind)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s token: %v", ErrAuthUnavailable, kind, err)
	}
	return kind, token, nil
}

func (d *Dispatcher) pickKind(ctx context.Context, tool *Descriptor) (models.TokenKind, error) {
	switch d.policy.TokenMode {
	case models.TokenModeUserOnly:
		if !tool.AcceptsToken(models.TokenKindUser) {
			return "", fmt.Errorf("%w: %s does not accept user tokens", ErrAuthUnavailable, tool.Name)
		}
		return models.TokenKindUser, nil
	case models.TokenModeTenantOnly:
		if !tool.AcceptsToken(models.TokenKindTenant) {
			return "", fmt.Errorf("%w: %s requires a user token but mode is tenantOnly", ErrAuthUnavailable, tool.Name)
		}
		return models.TokenKindTenant, nil
	}
	// Auto: prefer user identity when a token is at hand and accepted,
	// otherwise fall back to the tenant credential.
	if tool.AcceptsToken(models.TokenKindUser) && d.userTokenAvailable(ctx) {
		return models.TokenKindUser, nil
	}
	if tool.AcceptsToken(models.TokenKindTenant) {
		return models.TokenKindTenant, nil
	}
	return "", fmt.Errorf("%w: %s requires a user access token and none was provided", ErrAuthUnavailable, tool.Name)
}

func (d *Dispatcher) userTokenAvailable(ctx context.Context) bool {
	if _, ok := middleware.UserToken(ctx); ok {
		return true
	}
	return d.vault != nil && d.vault.Has(models.TokenKindUser)
}

// lookupToken resolves the secret for a kind. Per-call user tokens from the
// request context win over the vault copy. Tenant tokens are mintable: a
// miss triggers one rotation attempt through the vault's rotator.
func (d *Dispatcher) lookupToken(ctx context.Context, kind models.TokenKind) (string, error) {
	if kind == models.TokenKindUser {
		if tok, ok := middleware.UserToken(ctx); ok {
			return tok, nil
		}
	}
	if d.vault == nil {
		return "", errors.New("no vault configured")
	}
	tok, err := d.vault.Retrieve(kind)
	if err != nil && kind == models.TokenKindTenant {
		if rerr := d.vault.Rotate(ctx, kind, ""); rerr == nil {
			tok, err = d.vault.Retrieve(kind)
		}
	}
	return tok, err
}
