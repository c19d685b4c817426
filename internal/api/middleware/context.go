package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	keyNameKey      contextKey = "key_name"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

// SetKeyName records the name of the API key that authenticated the request.
func SetKeyName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, keyNameKey, name)
}

func GetKeyName(r *http.Request) (string, bool) {
	name, ok := r.Context().Value(keyNameKey).(string)
	return name, ok && name != ""
}

// SetScopes records the scopes granted to the request.
func SetScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}
