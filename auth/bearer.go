package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingAuthorization = errors.New("missing authorization header")
	ErrBadAuthorization     = errors.New("bad auth header")
)

const (
	bearerPrefix = "Bearer "
	// TokenQueryParam carries the token for clients that cannot set headers,
	// such as browser EventSource and WebSocket.
	TokenQueryParam = "token"
)

// BearerToken extracts the token from an Authorization header value.
func BearerToken(raw string) (string, error) {
	raw = strings.Trim(raw, " ")
	if raw == "" {
		return "", ErrMissingAuthorization
	}
	if len(raw) <= len(bearerPrefix) || !strings.HasPrefix(raw, bearerPrefix) {
		return "", ErrBadAuthorization
	}
	token := raw[len(bearerPrefix):]
	if strings.Count(token, ".") != 2 {
		return "", ErrBadAuthorization
	}
	return token, nil
}

// TokenFromRequest reads the bearer header, falling back to the token query
// parameter when allowQuery is set.
func TokenFromRequest(r *http.Request, allowQuery bool) (string, error) {
	if values := r.Header.Values("Authorization"); len(values) > 0 {
		return BearerToken(values[0])
	}
	if allowQuery {
		if token := r.URL.Query().Get(TokenQueryParam); token != "" {
			if strings.Count(token, ".") != 2 {
				return "", ErrBadAuthorization
			}
			return token, nil
		}
	}
	return "", ErrMissingAuthorization
}
