// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const challenge = `Bearer realm="vanguard"`

// BearerToken returns middleware that accepts requests whose Authorization
// header carries any of the given tokens. Several tokens may be active at
// once so a token can be rotated without downtime. Empty tokens are
// ignored; with none left every request is rejected.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	accepted := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			accepted = append(accepted, []byte(t))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w, `{"error":"missing or malformed authorization header"}`)
				return
			}
			if !match(accepted, got) {
				unauthorized(w, `{"error":"invalid token"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearer extracts the credential from an Authorization header. The scheme
// is matched case-insensitively.
func bearer(header string) ([]byte, bool) {
	scheme, cred, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, false
	}
	cred = strings.TrimSpace(cred)
	if cred == "" {
		return nil, false
	}
	return []byte(cred), true
}

// match compares against every candidate so timing does not reveal which
// token, if any, matched.
func match(accepted [][]byte, got []byte) bool {
	found := 0
	for _, want := range accepted {
		found |= subtle.ConstantTimeCompare(got, want)
	}
	return found == 1
}

func unauthorized(w http.ResponseWriter, body string) {
	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(body))
}
