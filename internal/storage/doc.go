// Package storage persists job and trigger state across restarts.
//
// Drivers: "file" (JSON snapshot + JSONL journal), "sqlite" (modernc.org/sqlite)
// and "redis" (go-redis). An empty driver or "none" disables persistence.
package storage
