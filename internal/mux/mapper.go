// ABOUTME: Bijective per-session mapping between public capability names and backend tools.
// ABOUTME: Maps are replaced wholesale on each merge so readers never observe a torn update.

package mux

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
)

// ErrUnknownCapability indicates a public name not present in the session's
// current name map. Dispatch fails without contacting any backend.
var ErrUnknownCapability = errors.New("unknown capability")

// ErrAmbiguousCapability indicates two native names within one provider's
// catalog collapsed to the same public name after sanitization.
var ErrAmbiguousCapability = errors.New("ambiguous capability name")

// Separator joins the provider prefix and the native tool name.
const Separator = "__"

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Target identifies the backend tool a public name resolves to.
type Target struct {
	Provider string
	Native   string
}

// ProviderCatalog is one provider's native tool names in the provider's
// own order, input to BuildNames.
type ProviderCatalog struct {
	Provider string
	Natives  []string
}

// Mapper owns the per-session name maps.
type Mapper struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Target
}

// NewMapper creates an empty Mapper.
func NewMapper() *Mapper {
	return &Mapper{sessions: make(map[string]map[string]Target)}
}

// PublicName computes the collision-safe session-visible name for a backend
// tool. Characters outside [a-zA-Z0-9_-] are replaced so the result is a
// valid tool name for any client.
func PublicName(provider, native string) string {
	return sanitize(provider) + Separator + sanitize(native)
}

func sanitize(s string) string {
	return unsafeNameChars.ReplaceAllString(s, "_")
}

// BuildNames rewrites one provider's catalog to public names, preserving
// order. Returns ErrAmbiguousCapability if two natives collapse to the same
// public name; the provider's catalog is rejected as a whole.
func BuildNames(catalog ProviderCatalog) ([]string, error) {
	seen := make(map[string]string, len(catalog.Natives))
	publics := make([]string, 0, len(catalog.Natives))
	for _, native := range catalog.Natives {
		public := PublicName(catalog.Provider, native)
		if prev, ok := seen[public]; ok {
			return nil, fmt.Errorf("%w: %q and %q both map to %q (provider=%s)",
				ErrAmbiguousCapability, prev, native, public, catalog.Provider)
		}
		seen[public] = native
		publics = append(publics, public)
	}
	return publics, nil
}

// Replace atomically installs a new name map for the session, discarding
// any prior map. Entries from earlier merges never accumulate.
func (m *Mapper) Replace(sessionID string, entries map[string]Target) {
	m.mu.Lock()
	m.sessions[sessionID] = entries
	m.mu.Unlock()
}

// Resolve looks up a public name in the session's current map.
// Fails with ErrUnknownCapability if the session has never completed a merge
// or the name is stale or malformed.
func (m *Mapper) Resolve(sessionID, publicName string) (Target, error) {
	m.mu.RLock()
	entries := m.sessions[sessionID]
	m.mu.RUnlock()

	target, ok := entries[publicName]
	if !ok {
		return Target{}, fmt.Errorf("%w: %q", ErrUnknownCapability, publicName)
	}
	return target, nil
}

// Drop discards the session's name map, if any.
func (m *Mapper) Drop(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}
