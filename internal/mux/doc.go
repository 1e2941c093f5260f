// Package mux implements the session-scoped multiplexing core: one client
// session fans out to N backend MCP servers and sees a single merged surface.
//
// # Overview
//
// Every session is bound to a fixed set of providers at creation time. The
// multiplexer issues initialize and tools/list concurrently to all of them,
// merges the resulting tool catalogs, and routes each tools/call to exactly
// one backend.
//
// # Name Mapping
//
// Backend tool names are never exposed directly. Each tool is published
// under a collision-safe public name:
//
//	<provider>__<native-name>
//
// with characters outside [a-zA-Z0-9_-] replaced by underscores. Two
// providers exporting the same native name therefore stay distinct
// ("alpha__search" vs "beta__search"). The per-session name map is replaced
// wholesale on every merge, so names from providers that have since failed
// or been removed never linger.
//
// # Partial Failure
//
// A fan-out branch that fails is reported in the merged result's
// server_info list and omitted from the catalog; the call succeeds as long
// as at least one provider responded. Only universal failure surfaces as
// ErrAllBackendsUnavailable, and it fails that call only, never the session.
//
// # Usage
//
//	m, _ := mux.NewMultiplexer(mux.Config{Registry: reg, Client: client})
//	result, err := m.Initialize(ctx, binding, req)
//	resp, err := m.Dispatch(ctx, binding, "alpha__search", req)
package mux
