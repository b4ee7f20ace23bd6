package ratelimit_test

import (
	"net/http/httptest"
	"testing"

	"github.com/toolplane/toolplane/internal/ratelimit"
)

func TestClassifyRequest(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{"GET", "/open-apis/im/v1/messages", ratelimit.TierRead},
		{"HEAD", "/open-apis/im/v1/messages", ratelimit.TierRead},
		{"OPTIONS", "/open-apis/im/v1/messages", ratelimit.TierRead},
		{"POST", "/open-apis/im/v1/messages", ratelimit.TierWrite},
		{"PUT", "/open-apis/sheets/v3/values", ratelimit.TierWrite},
		{"PATCH", "/open-apis/bitable/v1/records/abc", ratelimit.TierWrite},
		{"DELETE", "/open-apis/im/v1/messages/abc", ratelimit.TierWrite},

		// Path markers outrank the verb.
		{"GET", "/open-apis/admin/v1/audit_logs", ratelimit.TierAdmin},
		{"POST", "/auth/v3/tenant_access_token/internal", ratelimit.TierAdmin},
		{"GET", "/open-apis/tenant/v2/tenant/query", ratelimit.TierAdmin},

		// Unknown verbs fall through to the default tier.
		{"PROPFIND", "/open-apis/docx/v1/documents", ratelimit.TierDefault},
		{"TRACE", "/anything", ratelimit.TierDefault},

		// Method matching is case-insensitive.
		{"get", "/open-apis/contact/v3/users/u1", ratelimit.TierRead},
		{"post", "/open-apis/im/v1/messages", ratelimit.TierWrite},
	}

	for _, tt := range tests {
		if got := ratelimit.ClassifyRequest(tt.method, tt.path); got != tt.want {
			t.Errorf("ClassifyRequest(%q, %q) = %q, want %q", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestClassifyHTTPRequest(t *testing.T) {
	r := httptest.NewRequest("DELETE", "https://platform.example/open-apis/task/v2/tasks/t1", nil)
	if got := ratelimit.Classify(r); got != ratelimit.TierWrite {
		t.Errorf("Classify(DELETE) = %q, want %q", got, ratelimit.TierWrite)
	}

	if got := ratelimit.Classify(nil); got != ratelimit.TierDefault {
		t.Errorf("Classify(nil) = %q, want %q", got, ratelimit.TierDefault)
	}
}
