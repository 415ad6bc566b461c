// Package notify forwards attention events to an external webhook.
//
// The forwarder consumes a pool subscription like any other subscriber
// and POSTs raised and terminated events as JSON. Deliveries retry with
// backoff and run behind a circuit breaker, so a dead endpoint costs a
// log line per event instead of back-pressuring the pool.
//
// When no webhook URL is configured, New returns a nil Forwarder and
// all methods on a nil Forwarder are no-ops.
package notify
