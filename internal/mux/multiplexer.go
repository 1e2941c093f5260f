// ABOUTME: Fans initialize out to every provider bound to a session and merges catalogs.
// ABOUTME: Routes a single tools/call to exactly one backend via the name map.

package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/mux-gateway/internal/authbind"
	"github.com/2389/mux-gateway/internal/backend"
	"github.com/2389/mux-gateway/internal/registry"
	"github.com/2389/mux-gateway/internal/rpc"
	"github.com/2389/mux-gateway/internal/session"
)

// ErrAllBackendsUnavailable indicates every provider bound to the session
// failed during an initialize fan-out. Fatal to that call only.
var ErrAllBackendsUnavailable = errors.New("all backends unavailable")

// ErrProviderNotBound indicates a resolved provider is no longer part of the
// session binding.
var ErrProviderNotBound = errors.New("provider not bound to session")

// mergeCacheTTL bounds how long a merged tools/list result is reused.
const mergeCacheTTL = 10 * time.Minute

// ServerInfo reports one provider's outcome within a merged result.
type ServerInfo struct {
	Provider  string `json:"provider"`
	Status    string `json:"status"` // "ok" or "error"
	ToolCount int    `json:"tool_count,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Caller is the single-backend call primitive the multiplexer fans out over.
type Caller interface {
	Call(ctx context.Context, p *registry.Provider, cred authbind.Credential, req *rpc.Request, extraHeaders map[string]string) (*backend.CallResult, error)
}

// Config contains configuration options for the Multiplexer.
type Config struct {
	Registry *registry.Registry
	Client   Caller
	Logger   *slog.Logger
}

// Multiplexer orchestrates concurrent calls to all providers bound to a
// session and merges their capability catalogs under rewritten names.
type Multiplexer struct {
	registry *registry.Registry
	client   Caller
	mapper   *Mapper
	logger   *slog.Logger

	// pinned holds response headers captured during initialize, attached to
	// every later call for that (session, provider).
	pinnedMu sync.RWMutex
	pinned   map[string]map[string]map[string]string

	// cache holds merged tools/list results per session.
	cacheMu sync.Mutex
	cache   map[string]*cachedMerge
}

type cachedMerge struct {
	result    map[string]any
	entries   map[string]Target
	providers string // sorted provider set the cache was built for
	builtAt   time.Time
}

// NewMultiplexer creates a multiplexer over the given registry and client.
func NewMultiplexer(cfg Config) (*Multiplexer, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("client is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Multiplexer{
		registry: cfg.Registry,
		client:   cfg.Client,
		mapper:   NewMapper(),
		logger:   logger.With("component", "mux"),
		pinned:   make(map[string]map[string]map[string]string),
		cache:    make(map[string]*cachedMerge),
	}, nil
}

// providerResult is one branch's outcome from a fan-out.
type providerResult struct {
	provider string
	res      *backend.CallResult
	err      error
}

// fanOut issues the request to every provider bound to the session
// concurrently and joins all branches. A branch failure never aborts its
// siblings; each slot records a result or a classified error.
func (m *Multiplexer) fanOut(ctx context.Context, b *session.Binding, req *rpc.Request) []providerResult {
	results := make([]providerResult, len(b.Providers))

	g, ctx := errgroup.WithContext(ctx)
	for i, name := range b.Providers {
		i, name := i, name
		g.Go(func() error {
			results[i] = providerResult{provider: name}

			p, err := m.registry.Get(name)
			if err != nil {
				results[i].err = err
				return nil
			}

			res, err := m.client.Call(ctx, p, b.Credentials[name], req, m.pinnedHeaders(b.ID, name))
			if err != nil {
				m.logger.Warn("backend call failed during fan-out",
					"session_id", b.ID,
					"provider", name,
					"method", req.Method,
					"error", err,
				)
				results[i].err = err
				return nil
			}
			results[i].res = res
			return nil
		})
	}
	_ = g.Wait() // branches never return errors; join-all only

	return results
}

// Initialize forwards the client's initialize to all bound providers,
// merges their tool catalogs under public names, and rebuilds the session's
// name map. A failing provider is omitted from the merge; only universal
// failure fails the call, with ErrAllBackendsUnavailable.
func (m *Multiplexer) Initialize(ctx context.Context, b *session.Binding, req *rpc.Request) (map[string]any, error) {
	results := m.fanOut(ctx, b, req)

	// Harvest persist_response_headers so later calls inherit them.
	for _, r := range results {
		if r.res != nil && len(r.res.Headers) > 0 {
			m.pinHeaders(b.ID, r.provider, r.res.Headers)
		}
	}

	merged, entries, infos, ok := m.merge(results)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAllBackendsUnavailable, summarize(infos))
	}

	m.mapper.Replace(b.ID, entries)
	m.invalidateCache(b.ID)

	base := baseResult(results)
	base["tools"] = merged
	base["server_info"] = infos
	return base, nil
}

// ListTools merges tools/list across all bound providers, reusing a cached
// merge when the session's provider set is unchanged and the cache is fresh.
// Cache hits still refresh the name map so dispatch keeps working.
func (m *Multiplexer) ListTools(ctx context.Context, b *session.Binding, req *rpc.Request) (map[string]any, error) {
	providerSet := sortedSet(b.Providers)

	m.cacheMu.Lock()
	cached := m.cache[b.ID]
	m.cacheMu.Unlock()

	if cached != nil && cached.providers == providerSet && time.Since(cached.builtAt) < mergeCacheTTL {
		m.logger.Debug("returning cached tools", "session_id", b.ID)
		m.mapper.Replace(b.ID, cached.entries)
		return cached.result, nil
	}

	results := m.fanOut(ctx, b, req)

	merged, entries, infos, ok := m.merge(results)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAllBackendsUnavailable, summarize(infos))
	}

	m.mapper.Replace(b.ID, entries)

	result := map[string]any{
		"tools":       merged,
		"server_info": infos,
	}

	m.cacheMu.Lock()
	m.cache[b.ID] = &cachedMerge{
		result:    result,
		entries:   entries,
		providers: providerSet,
		builtAt:   time.Now(),
	}
	m.cacheMu.Unlock()

	return result, nil
}

// Dispatch resolves a public name and routes the call to exactly that
// provider, with the native name substituted and everything else passed
// through unmodified. No backend is contacted for an unresolved name.
func (m *Multiplexer) Dispatch(ctx context.Context, b *session.Binding, publicName string, req *rpc.Request) (*rpc.Response, error) {
	target, err := m.mapper.Resolve(b.ID, publicName)
	if err != nil {
		return nil, err
	}

	bound := false
	for _, name := range b.Providers {
		if name == target.Provider {
			bound = true
			break
		}
	}
	if !bound {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotBound, target.Provider)
	}

	p, err := m.registry.Get(target.Provider)
	if err != nil {
		return nil, err
	}

	forward, err := rewriteToolName(req, target.Native)
	if err != nil {
		return nil, err
	}

	m.logger.Info("dispatching tool call",
		"session_id", b.ID,
		"public_name", publicName,
		"provider", target.Provider,
		"native_name", target.Native,
	)

	res, err := m.client.Call(ctx, p, b.Credentials[target.Provider], forward, m.pinnedHeaders(b.ID, target.Provider))
	if err != nil {
		return nil, err
	}
	return res.Response, nil
}

// DropSession discards all runtime state held for a session: name map,
// pinned headers, and merge cache.
func (m *Multiplexer) DropSession(sessionID string) {
	m.mapper.Drop(sessionID)
	m.invalidateCache(sessionID)

	m.pinnedMu.Lock()
	delete(m.pinned, sessionID)
	m.pinnedMu.Unlock()
}

// Resolve exposes the name map for callers that only need routing info.
func (m *Multiplexer) Resolve(sessionID, publicName string) (Target, error) {
	return m.mapper.Resolve(sessionID, publicName)
}

// merge rewrites each successful provider's tool list to public names and
// concatenates them: providers in the session's bound order, tools in each
// provider's own order. An ambiguous provider is recorded as failed.
// ok is false when no provider contributed.
func (m *Multiplexer) merge(results []providerResult) (tools []map[string]any, entries map[string]Target, infos []ServerInfo, ok bool) {
	tools = make([]map[string]any, 0)
	entries = make(map[string]Target)

	for _, r := range results {
		if r.err != nil {
			infos = append(infos, ServerInfo{Provider: r.provider, Status: "error", Message: r.err.Error()})
			continue
		}
		if r.res.Response.Error != nil {
			infos = append(infos, ServerInfo{
				Provider: r.provider,
				Status:   "error",
				Message:  fmt.Sprintf("backend error %d: %s", r.res.Response.Error.Code, r.res.Response.Error.Message),
			})
			continue
		}

		natives, providerTools, err := extractTools(r.res.Response.Result)
		if err != nil {
			infos = append(infos, ServerInfo{Provider: r.provider, Status: "error", Message: err.Error()})
			continue
		}

		publics, err := BuildNames(ProviderCatalog{Provider: r.provider, Natives: natives})
		if err != nil {
			m.logger.Warn("rejecting provider catalog", "provider", r.provider, "error", err)
			infos = append(infos, ServerInfo{Provider: r.provider, Status: "error", Message: err.Error()})
			continue
		}

		for i, tool := range providerTools {
			tool["name"] = publics[i]
			tools = append(tools, tool)
			entries[publics[i]] = Target{Provider: r.provider, Native: natives[i]}
		}

		infos = append(infos, ServerInfo{Provider: r.provider, Status: "ok", ToolCount: len(natives)})
		ok = true
	}

	return tools, entries, infos, ok
}

// extractTools pulls the named tools out of a backend result, keeping each
// tool's metadata opaque. Tools without a name are skipped, matching what
// the providers themselves would reject.
func extractTools(result json.RawMessage) (natives []string, tools []map[string]any, err error) {
	if len(result) == 0 {
		return nil, nil, nil
	}

	var payload struct {
		Tools []map[string]any `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", backend.ErrInvalidPayload, err)
	}

	for _, tool := range payload.Tools {
		name, _ := tool["name"].(string)
		if name == "" {
			continue
		}
		natives = append(natives, name)
		tools = append(tools, tool)
	}
	return natives, tools, nil
}

// baseResult returns the first successful provider's result object as the
// merged envelope template (protocol version, server capabilities).
func baseResult(results []providerResult) map[string]any {
	for _, r := range results {
		if r.res == nil || r.res.Response.Error != nil || len(r.res.Response.Result) == 0 {
			continue
		}
		var base map[string]any
		if err := json.Unmarshal(r.res.Response.Result, &base); err == nil && base != nil {
			return base
		}
	}
	return make(map[string]any)
}

// rewriteToolName copies the request with params.name replaced, leaving all
// other params untouched.
func rewriteToolName(req *rpc.Request, native string) (*rpc.Request, error) {
	var params map[string]json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, fmt.Errorf("parsing params: %w", err)
	}

	nameJSON, err := json.Marshal(native)
	if err != nil {
		return nil, err
	}
	params["name"] = nameJSON

	rewritten, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	forward := *req
	forward.Params = rewritten
	return &forward, nil
}

// pinHeaders stores captured response headers for a (session, provider).
func (m *Multiplexer) pinHeaders(sessionID, provider string, headers map[string]string) {
	m.pinnedMu.Lock()
	defer m.pinnedMu.Unlock()

	perSession := m.pinned[sessionID]
	if perSession == nil {
		perSession = make(map[string]map[string]string)
		m.pinned[sessionID] = perSession
	}
	perProvider := perSession[provider]
	if perProvider == nil {
		perProvider = make(map[string]string)
		perSession[provider] = perProvider
	}
	for k, v := range headers {
		perProvider[k] = v
	}

	m.logger.Info("pinned response headers",
		"session_id", sessionID,
		"provider", provider,
		"count", len(headers),
	)
}

// pinnedHeaders returns a copy of the pinned headers for a (session, provider).
func (m *Multiplexer) pinnedHeaders(sessionID, provider string) map[string]string {
	m.pinnedMu.RLock()
	defer m.pinnedMu.RUnlock()

	perProvider := m.pinned[sessionID][provider]
	if len(perProvider) == 0 {
		return nil
	}
	out := make(map[string]string, len(perProvider))
	for k, v := range perProvider {
		out[k] = v
	}
	return out
}

func (m *Multiplexer) invalidateCache(sessionID string) {
	m.cacheMu.Lock()
	delete(m.cache, sessionID)
	m.cacheMu.Unlock()
}

// sortedSet renders a provider list as a canonical comparable key.
func sortedSet(providers []string) string {
	s := append([]string(nil), providers...)
	sort.Strings(s)
	return strings.Join(s, ",")
}

// summarize joins per-provider failure messages for an error result.
func summarize(infos []ServerInfo) string {
	parts := make([]string, 0, len(infos))
	for _, info := range infos {
		parts = append(parts, fmt.Sprintf("%s: %s", info.Provider, info.Message))
	}
	return strings.Join(parts, "; ")
}
