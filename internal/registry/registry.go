// ABOUTME: Static provider registry loaded once from a YAML file at startup.
// ABOUTME: Resolves provider names to base URLs and outbound auth requirements.

package registry

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownProvider indicates a provider name absent from the registry.
var ErrUnknownProvider = errors.New("unknown provider")

// AuthKind identifies how outbound calls to a provider are authenticated.
type AuthKind string

// Supported auth kinds. Anything else is rejected at load time.
const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthAPIKey AuthKind = "api_key"
)

// DefaultAPIKeyHeader is used when an api_key provider does not name a header.
const DefaultAPIKeyHeader = "X-Api-Key"

// Provider is one backend server binding. Immutable after load and shared
// read-only by every session that references it.
type Provider struct {
	Name                   string            `yaml:"-"`
	Protocol               string            `yaml:"protocol"`
	RPCEndpoint            string            `yaml:"rpc_endpoint"`
	AuthType               AuthKind          `yaml:"auth_type"`
	APIKeyHeaderName       string            `yaml:"api_key_header_name"`
	ExtraHeaders           map[string]string `yaml:"extra_headers"`
	PersistResponseHeaders []string          `yaml:"persist_response_headers"`
}

// registryFile is the on-disk shape of the registry YAML.
type registryFile struct {
	Servers map[string]Provider `yaml:"servers"`
}

// Registry resolves provider names to their bindings. Loaded once, read-only.
type Registry struct {
	providers map[string]*Provider
	order     []string
}

// Load reads and validates the provider registry from the given YAML path.
// Environment variables in the format ${VAR_NAME} are expanded.
// Invalid provider configuration fails the load; it is never a call-time error.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var file registryFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("parsing registry file: %w", err)
	}

	r := &Registry{providers: make(map[string]*Provider, len(file.Servers))}
	for name, p := range file.Servers {
		p := p
		p.Name = name
		if err := validateProvider(&p); err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		r.providers[name] = &p
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)

	return r, nil
}

// validateProvider checks one provider binding and fills defaulted fields.
func validateProvider(p *Provider) error {
	if p.RPCEndpoint == "" {
		return fmt.Errorf("rpc_endpoint is required")
	}

	if p.Protocol == "" {
		p.Protocol = "http"
	}
	if !strings.EqualFold(p.Protocol, "http") {
		return fmt.Errorf("unsupported protocol %q (only \"http\" is supported)", p.Protocol)
	}

	if p.AuthType == "" {
		p.AuthType = AuthNone
	}
	switch p.AuthType {
	case AuthNone, AuthBearer:
	case AuthAPIKey:
		if p.APIKeyHeaderName == "" {
			p.APIKeyHeaderName = DefaultAPIKeyHeader
		}
	default:
		return fmt.Errorf("unsupported auth_type %q", p.AuthType)
	}

	return nil
}

// Get returns the binding for the named provider.
// Returns ErrUnknownProvider if the name is not in the registry.
func (r *Registry) Get(name string) (*Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Has reports whether the named provider exists in the registry.
func (r *Registry) Has(name string) bool {
	_, ok := r.providers[name]
	return ok
}

// Names returns all provider names in file order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
