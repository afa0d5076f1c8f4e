// Package api serves the read-only operations surface of the daemon: health
// checks, Prometheus metrics and per-agent status, transaction and returns
// views.
package api
