// Package server assembles the switchboard daemon.
//
// This package orchestrates all components:
//   - HTTP routing with Gin framework
//   - Middleware stack (recovery, tracing, metrics, CORS, rate limiting, auth)
//   - Session pool with its sampler, archiver, and journal
//   - WebSocket attention and session streams
//   - Webhook forwarding for attention events
//
// Server Lifecycle:
//  1. Load configuration from file/environment
//  2. Initialize logger (production or development)
//  3. Prepare the data directory layout
//  4. Build the pool manager and its collaborators
//  5. Setup HTTP routes and middleware
//  6. Start pool loops and HTTP server
//  7. Graceful shutdown on signal
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Run(); err != nil {
//	    log.Fatal(err)
//	}
package server
