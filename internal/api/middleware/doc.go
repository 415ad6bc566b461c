// Package middleware provides gin middleware for the HTTP edge:
// per-IP rate limiting, CORS, and optional bearer-token auth checked
// against a bcrypt hash from config.
package middleware
