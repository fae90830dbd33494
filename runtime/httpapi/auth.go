package httpapi

import (
	"errors"
	"net/http"
	"strings"
)

// BearerToken extracts the bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errors.New("missing authorization header")
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", errors.New("authorization header is not a bearer token")
	}
	return token, nil
}

// SubjectBearer returns an Authenticator that treats the bearer token itself
// as the subject. Suitable for development and for deployments that terminate
// authentication upstream and forward the verified subject as the token.
func SubjectBearer() Authenticator {
	return AuthenticatorFunc(func(r *http.Request) (string, error) {
		return BearerToken(r)
	})
}
