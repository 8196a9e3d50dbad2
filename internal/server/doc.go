// Package server provides HTTP/HTTPS server lifecycle management:
// non-blocking start, graceful shutdown, and signal handling. Manager
// wraps net/http.Server with a listener, an asynchronous error channel,
// and SIGINT/SIGTERM-driven shutdown.
package server
