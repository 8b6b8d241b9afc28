// Package auth issues and validates the bearer tokens that protect the
// HTTP API.
//
// Tokens are HS256 JWTs signed with the configured secret. Each carries
// a subject and a scope:
//
//	read     list devices, read history, follow the event stream
//	control  everything read allows, plus commands and the open window
//
// There is no user database. Tokens are minted by the operator with
// `budlink token` and checked by signature and expiry only.
package auth
