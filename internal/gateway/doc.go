// Package gateway wires the tracker-gateway server components together.
//
// # Overview
//
// The gateway package owns the HTTP surface and the component graph behind
// it: the shared-secret authenticator, the store-backed rate limiter, the
// session manager, the tool dispatcher, and the JSON-RPC handler.
//
// # HTTP API
//
//   - GET  /health - liveness check, no auth
//   - POST /mcp    - the JSON-RPC protocol endpoint
//
// Requests to /mcp pass through authentication first, then rate limiting,
// so unauthorized callers never consume rate limit quota. The caller's
// session id is taken from the Mcp-Session-Id header (X-Session-Id also
// accepted) and echoed back on every response; callers that send neither
// share the "default" session.
//
// # Storage Tiers
//
// The gateway opens up to two SQLite stores plus an in-memory store and
// hands each consumer a fallback chain via kvstore.FirstAvailable:
//
//   - sessions:   session_db, then memory
//   - rate limit: ratelimit_db, then session_db, then memory
//
// A durable tier that fails to open is logged and skipped rather than
// failing startup; the memory tier always succeeds.
package gateway
