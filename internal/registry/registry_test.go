package registry_test

import (
	"strings"
	"testing"

	"github.com/toolplane/toolplane/internal/registry"
	"github.com/toolplane/toolplane/pkg/models"
)

func testCatalog(t *testing.T) []registry.Descriptor {
	t.Helper()
	both := []models.TokenKind{models.TokenKindTenant, models.TokenKindUser}
	user := []models.TokenKind{models.TokenKindUser}
	return []registry.Descriptor{
		{Name: "im.v1.message.create", Project: "im", Method: "POST", APIPath: "/im/v1/messages", RequiredTokens: both},
		{Name: "im.v1.chat.list", Project: "im", Method: "GET", APIPath: "/im/v1/chats", RequiredTokens: both},
		{Name: "calendar.v4.freebusy.list", Project: "calendar", Method: "POST", APIPath: "/calendar/v4/freebusy/list", RequiredTokens: user},
		{Name: "docs.v1.document.read", Project: "docs", Method: "GET", APIPath: "/docs/v1/documents/{id}", RequiredTokens: both},
	}
}

func testPresets() []registry.Preset {
	return []registry.Preset{
		{Name: "preset.chat", Tools: []string{"im.v1.message.create", "im.v1.chat.list"}},
		{Name: "preset.reader", Tools: []string{"docs.v1.document.read", "im.v1.chat.list"}},
	}
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.New(testCatalog(t), testPresets())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

// ─── Construction ────────────────────────────────────────────

func TestNewRejectsDuplicateTool(t *testing.T) {
	dup := append(testCatalog(t), registry.Descriptor{Name: "im.v1.chat.list"})
	if _, err := registry.New(dup, nil); err == nil {
		t.Error("New(duplicate tool) = nil, want error")
	}
}

func TestNewRejectsRenderingCollision(t *testing.T) {
	// Both snake-render to app_table_record_create.
	catalog := []registry.Descriptor{
		{Name: "app.tableRecord.create"},
		{Name: "app.table.record.create"},
	}
	_, err := registry.New(catalog, nil)
	if err == nil {
		t.Fatal("New(colliding renderings) = nil, want error")
	}
	if !strings.Contains(err.Error(), "render") {
		t.Errorf("collision error = %q, want a rendering collision message", err)
	}
}

func TestNewRejectsUnknownPresetTool(t *testing.T) {
	presets := []registry.Preset{{Name: "preset.bad", Tools: []string{"no.such.tool"}}}
	if _, err := registry.New(testCatalog(t), presets); err == nil {
		t.Error("New(preset with unknown tool) = nil, want error")
	}
}

// ─── Canonical resolution ────────────────────────────────────

func TestCanonicalAcceptsAnyCasing(t *testing.T) {
	r := newTestRegistry(t)
	for _, input := range []string{
		"im.v1.message.create",
		"imV1MessageCreate",
		"im_v1_message_create",
	} {
		got, err := r.Canonical(input)
		if err != nil {
			t.Fatalf("Canonical(%q) error = %v", input, err)
		}
		if got != "im.v1.message.create" {
			t.Errorf("Canonical(%q) = %q, want im.v1.message.create", input, got)
		}
	}
}

func TestCanonicalErrors(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.Canonical("im v1 message"); err == nil {
		t.Error("Canonical(out-of-class) = nil, want InvalidNameError")
	}
	if _, err := r.Canonical("no.such.tool"); err == nil {
		t.Error("Canonical(unknown) = nil, want ErrToolNotFound")
	}
}

// ─── Policy resolution ───────────────────────────────────────

func names(ds []*registry.Descriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Name
	}
	return out
}

func TestResolvePresetCompositionFirstWins(t *testing.T) {
	r := newTestRegistry(t)

	got, err := r.Resolve(registry.Policy{
		Presets:   []string{"preset.chat", "preset.reader"},
		TokenMode: models.TokenModeAuto,
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := []string{"im.v1.message.create", "im.v1.chat.list", "docs.v1.document.read"}
	if g := names(got); strings.Join(g, ",") != strings.Join(want, ",") {
		t.Errorf("composed set = %v, want %v (first occurrence wins, order kept)", g, want)
	}
}

func TestResolveEmptyPresetsMeansUniverse(t *testing.T) {
	r := newTestRegistry(t)
	got, err := r.Resolve(registry.Policy{TokenMode: models.TokenModeAuto})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 4 {
		t.Errorf("universe size = %d, want 4", len(got))
	}
}

func TestResolvePresetComplete(t *testing.T) {
	r := newTestRegistry(t)
	got, err := r.Resolve(registry.Policy{
		Presets:   []string{registry.PresetComplete},
		TokenMode: models.TokenModeAuto,
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 4 {
		t.Errorf("preset.complete size = %d, want 4", len(got))
	}
}

func TestResolveUnknownPreset(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Resolve(registry.Policy{Presets: []string{"preset.nope"}}); err == nil {
		t.Error("Resolve(unknown preset) = nil, want error")
	}
}

func TestResolveAllowDenyAnyCasing(t *testing.T) {
	r := newTestRegistry(t)

	got, err := r.Resolve(registry.Policy{
		Allow:     []string{"imV1MessageCreate", "im_v1_chat_list", "docs.v1.document.read"},
		Deny:      []string{"docsV1DocumentRead"},
		TokenMode: models.TokenModeAuto,
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := []string{"im.v1.message.create", "im.v1.chat.list"}
	if g := names(got); strings.Join(g, ",") != strings.Join(want, ",") {
		t.Errorf("allow∩deny set = %v, want %v", g, want)
	}
}

func TestResolveTokenModeDropsIncompatible(t *testing.T) {
	r := newTestRegistry(t)

	got, err := r.Resolve(registry.Policy{TokenMode: models.TokenModeTenantOnly})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for _, d := range got {
		if d.Name == "calendar.v4.freebusy.list" {
			t.Error("tenantOnly policy still serves the user-only tool")
		}
	}
	if len(got) != 3 {
		t.Errorf("tenantOnly set size = %d, want 3", len(got))
	}
}

func TestResolveMemoised(t *testing.T) {
	r := newTestRegistry(t)
	p := registry.Policy{Presets: []string{"preset.chat"}, TokenMode: models.TokenModeAuto}

	first, err := r.Resolve(p)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	second, err := r.Resolve(p)
	if err != nil {
		t.Fatalf("Resolve() second error = %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("memoised sizes differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("memoised resolve returned different descriptor pointers at %d", i)
		}
	}
}

// ─── Builtin catalog ─────────────────────────────────────────

func TestBuiltinCatalogConstructs(t *testing.T) {
	catalog := registry.Builtin()
	if len(catalog) == 0 {
		t.Fatal("Builtin() is empty")
	}
	r, err := registry.New(catalog, registry.BuiltinPresets(catalog))
	if err != nil {
		t.Fatalf("New(Builtin()) error = %v", err)
	}
	if _, err := r.Resolve(registry.Policy{Presets: []string{"preset.default"}, TokenMode: models.TokenModeAuto}); err != nil {
		t.Errorf("Resolve(preset.default) error = %v", err)
	}
	if _, err := r.Resolve(registry.Policy{Presets: []string{"preset.im.default"}, TokenMode: models.TokenModeAuto}); err != nil {
		t.Errorf("Resolve(preset.im.default) error = %v", err)
	}
}
