/*
Package resilience provides a circuit breaker for flaky effectful paths.

# Overview

Two paths in the daemon go through a breaker: process spawning, where a host
that refuses new processes should fail create calls fast instead of forking
into the same wall repeatedly, and webhook notification, where a dead endpoint
must not accumulate retries behind the attention stream.

# Features

- Three-state circuit breaker (Closed, Open, Half-Open)
- Configurable failure thresholds and timeouts
- Automatic state transitions
- State change callbacks for logging
- Thread-safe operations

# Usage

	breaker := resilience.New("spawn", resilience.Settings{
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	err := breaker.Execute(func() error {
		return doSpawn()
	})

# States

- Closed: normal operation, requests pass through
- Open: requests fail immediately with ErrCircuitOpen
- Half-Open: limited probe requests allowed; success closes the breaker
*/
package resilience
