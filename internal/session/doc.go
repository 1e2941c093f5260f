// Package session provides the durable session store: each session binds a
// fixed provider set and per-provider credentials, persisted to SQLite
// before the session becomes visible.
package session
