// Package client provides a typed Go client for the switchboard
// daemon's REST and WebSocket API.
//
// Daemon errors arrive as APIError values carrying the envelope code,
// so callers can branch on CodeSessionNotFound, CodePoolFull, and the
// rest without matching on status text. Transport failures stay plain
// errors.
package client
