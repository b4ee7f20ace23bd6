// Package middleware provides shared request-context helpers.
//
// This package lives in pkg/ (not internal/) so embedders wiring their own
// transports can participate in session routing and per-call credentials.
package middleware

import "context"

type contextKey string

const (
	sessionKey   contextKey = "session"
	userTokenKey contextKey = "user_token"
)

// SetSession stores the SSE session id on the context. The gateway tags
// queued work with it so task status notifications find their way back to
// the stream that asked.
func SetSession(ctx context.Context, session string) context.Context {
	if session == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, session)
}

// Session extracts the session id from the context. Empty for stdio callers
// and un-sessioned HTTP posts.
func Session(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKey).(string); ok {
		return v
	}
	return ""
}

// SetUserToken attaches a per-call user access token. It outranks the
// vault's stored user token for the duration of the call.
func SetUserToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, userTokenKey, token)
}

// UserToken reports the per-call user access token, if one was attached.
func UserToken(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userTokenKey).(string)
	return v, ok && v != ""
}
