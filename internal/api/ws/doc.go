// Package ws implements the WebSocket endpoints: a daemon-wide
// attention event stream and per-session output streams that also
// accept input, resize, and ack frames upstream.
//
// Every message is wrapped in a typed envelope {type, payload,
// timestamp}. Output streaming is pull-based over the session's replay
// buffer, so reconnecting clients resume by sequence number instead of
// losing whatever was emitted while they were away.
package ws
