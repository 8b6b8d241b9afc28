// Package api implements the HTTP REST API and WebSocket event stream for
// budlink.
//
// Endpoints (all under /api/v1):
//
//	GET  /health                      daemon and link status (no auth)
//	GET  /devices                     connected headsets
//	GET  /devices/{mac}               one headset with field status
//	POST /devices/{mac}/commands      queue a command
//	GET  /devices/{mac}/history       field transition history
//	GET  /devices/{mac}/commands      command outcomes
//	POST /window                      emit an open_window event
//	GET  /ws                          event stream
//
// When security.jwt.secret is set every route but /health requires a
// bearer token (see package auth). Commands and /window need the control
// scope. The WebSocket accepts the token as a query parameter because
// browsers cannot set headers on the upgrade request.
package api
