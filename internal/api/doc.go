// Package api implements the local HTTP REST API and WebSocket server.
//
// This package provides:
//   - REST endpoints for listing fans, reading snapshots, submitting
//     state patches, on-demand discovery and state history
//   - WebSocket hub for real-time fan event broadcasts
//   - API-key authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The API server sits between local clients (Home Assistant, dashboards,
// curl) and the fan registry. Writes are handed to the command engine and
// acknowledged with 202 Accepted; the confirmed device state arrives later
// through registry events, which the server relays to subscribed WebSocket
// clients on these channels:
//
//	fan.discovered       new fan registered
//	fan.state_changed    fan state snapshot updated
//	fan.health_changed   fan reachability changed
//	fan.removed          fan unregistered
//
// # Security
//
// REST endpoints (except /health) require the configured API key via the
// Authorization header or X-API-Key. WebSocket connections use single-use
// tickets from POST /auth/ws-ticket, since browsers cannot set headers on
// the upgrade request and a key in a URL would end up in logs.
//
// # Graceful Degradation
//
// The server operates without a history store or sync engine; the affected
// endpoints return 503 while reads and WebSocket streams keep working.
package api
