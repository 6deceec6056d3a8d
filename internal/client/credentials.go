package client

import (
	"os"
	"strings"
)

// TokenProvider supplies the access token for API calls. The second return
// is false when no credential is available; callers treat that as terminal
// for the current operation, with no refresh attempt here.
type TokenProvider interface {
	AccessToken() (string, bool)
}

// StaticToken is a fixed credential.
type StaticToken string

// AccessToken returns the token; an empty value counts as absent.
func (t StaticToken) AccessToken() (string, bool) {
	return string(t), t != ""
}

// EnvToken reads the credential from an environment variable on every call.
type EnvToken string

// AccessToken looks up the variable; blank means absent.
func (t EnvToken) AccessToken() (string, bool) {
	value := strings.TrimSpace(os.Getenv(string(t)))
	return value, value != ""
}
