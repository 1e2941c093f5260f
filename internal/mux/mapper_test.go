// ABOUTME: Tests for public name construction and the per-session name map
// ABOUTME: Covers sanitization, collision detection, and wholesale replacement

package mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicName(t *testing.T) {
	tests := []struct {
		provider string
		native   string
		want     string
	}{
		{"alpha", "search", "alpha__search"},
		{"beta", "fetch", "beta__fetch"},
		{"my.provider", "do:thing", "my_provider__do_thing"},
		{"a b", "x/y", "a_b__x_y"},
		{"keep-dash_ok", "Name09", "keep-dash_ok__Name09"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PublicName(tt.provider, tt.native))
	}
}

func TestBuildNamesPreservesOrder(t *testing.T) {
	publics, err := BuildNames(ProviderCatalog{
		Provider: "alpha",
		Natives:  []string{"zeta", "search", "aardvark"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha__zeta", "alpha__search", "alpha__aardvark"}, publics)
}

func TestBuildNamesRejectsCollision(t *testing.T) {
	// Both natives sanitize to "do_thing".
	_, err := BuildNames(ProviderCatalog{
		Provider: "alpha",
		Natives:  []string{"do:thing", "do.thing"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAmbiguousCapability)
	assert.Contains(t, err.Error(), "alpha__do_thing")
}

func TestMapperResolve(t *testing.T) {
	m := NewMapper()
	m.Replace("sess-1", map[string]Target{
		"alpha__search": {Provider: "alpha", Native: "search"},
	})

	target, err := m.Resolve("sess-1", "alpha__search")
	require.NoError(t, err)
	assert.Equal(t, Target{Provider: "alpha", Native: "search"}, target)

	_, err = m.Resolve("sess-1", "alpha__missing")
	assert.ErrorIs(t, err, ErrUnknownCapability)

	_, err = m.Resolve("other-session", "alpha__search")
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

func TestMapperReplaceDiscardsOldEntries(t *testing.T) {
	m := NewMapper()
	m.Replace("sess-1", map[string]Target{
		"alpha__old": {Provider: "alpha", Native: "old"},
	})
	m.Replace("sess-1", map[string]Target{
		"alpha__new": {Provider: "alpha", Native: "new"},
	})

	_, err := m.Resolve("sess-1", "alpha__old")
	assert.ErrorIs(t, err, ErrUnknownCapability, "stale names must not survive a merge")

	_, err = m.Resolve("sess-1", "alpha__new")
	assert.NoError(t, err)
}

func TestMapperDrop(t *testing.T) {
	m := NewMapper()
	m.Replace("sess-1", map[string]Target{
		"alpha__search": {Provider: "alpha", Native: "search"},
	})

	m.Drop("sess-1")
	_, err := m.Resolve("sess-1", "alpha__search")
	assert.ErrorIs(t, err, ErrUnknownCapability)

	// Dropping an absent session is a no-op.
	m.Drop("never-existed")
}
