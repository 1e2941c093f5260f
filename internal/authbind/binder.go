// ABOUTME: Builds outbound authentication headers for backend providers.
// ABOUTME: Pure header decoration keyed on the provider's auth kind, no I/O.

package authbind

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/mux-gateway/internal/registry"
)

// ErrMissingCredential indicates the session did not supply the credential
// material the provider's auth kind requires. Never retried.
var ErrMissingCredential = errors.New("missing credential")

// Credential is the session-supplied credential material for one provider.
// The shape depends on the provider's auth kind; unknown keys are ignored.
type Credential map[string]string

// Decorate applies the provider's static extra headers and auth decoration
// to the given header set. The provider binding and credential are read-only.
func Decorate(p *registry.Provider, cred Credential, h http.Header) error {
	for k, v := range p.ExtraHeaders {
		h.Set(k, v)
	}

	switch p.AuthType {
	case registry.AuthNone, "":
		return nil

	case registry.AuthBearer:
		token := cred["token"]
		if token == "" {
			return fmt.Errorf("%w: bearer auth requires 'token' (provider=%s)", ErrMissingCredential, p.Name)
		}
		h.Set("Authorization", "Bearer "+token)
		return nil

	case registry.AuthAPIKey:
		key := firstOf(cred, "api_key", "key", "token")
		if key == "" {
			return fmt.Errorf("%w: api_key auth requires 'api_key', 'key' or 'token' (provider=%s)", ErrMissingCredential, p.Name)
		}
		h.Set(p.APIKeyHeaderName, key)
		return nil
	}

	// Unknown kinds are rejected when the registry loads; reaching this
	// means the binding bypassed validation.
	return fmt.Errorf("unvalidated auth_type %q (provider=%s)", p.AuthType, p.Name)
}

// firstOf returns the first non-empty credential value among the given keys.
func firstOf(cred Credential, keys ...string) string {
	for _, k := range keys {
		if v := cred[k]; v != "" {
			return v
		}
	}
	return ""
}
