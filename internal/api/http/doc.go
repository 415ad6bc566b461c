// Package http implements the REST API: session CRUD, input and resize,
// output replay, the attention queue snapshot, history, and health.
//
// Errors use a uniform envelope {"error": {"code", "message"}} so that
// clients can branch on stable codes instead of status texts.
package http
