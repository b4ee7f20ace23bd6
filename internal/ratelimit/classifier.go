package ratelimit

import (
	"net/http"
	"strings"
)

// adminMarkers flag paths that hit administrative or credential-issuing
// endpoints. Those pay the admin budget regardless of HTTP verb.
var adminMarkers = []string{"/admin/", "/auth/", "/tenant/"}

// ClassifyRequest maps an outbound platform call onto a limiter tier.
// Path markers are checked before the verb, so a GET under /auth/ is
// still admin traffic. Unknown verbs land on the default tier.
func ClassifyRequest(method, path string) string {
	for _, marker := range adminMarkers {
		if strings.Contains(path, marker) {
			return TierAdmin
		}
	}
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return TierWrite
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return TierRead
	default:
		return TierDefault
	}
}

// Classify is the *http.Request form of ClassifyRequest.
func Classify(r *http.Request) string {
	if r == nil || r.URL == nil {
		return TierDefault
	}
	return ClassifyRequest(r.Method, r.URL.Path)
}
