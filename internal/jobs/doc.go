// Package jobs builds job bodies and triggers from configuration.
//
// Kinds:
//   - http: one request; a non-2xx status fails the run
//   - exec: one process; a non-zero exit fails the run
//   - systemd: starts, stops, restarts, reloads or checks a unit over D-Bus
//   - log: writes a log line, useful as a heartbeat
package jobs
