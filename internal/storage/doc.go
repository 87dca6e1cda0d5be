// Package storage persists the announcement watermark and a delivery journal.
//
// It currently supports:
//   - Watermark load/save per destination key (survives restarts)
//   - Delivery journal appends (one entry per send attempt)
//
// Drivers: "file" (JSON state + JSON Lines journal), "sqlite", "postgres".
package storage
