package storage

// Package storage provides the optional persistence layer for scheduler runs.
//
// It currently supports:
//   - Usage record appends (one per completed generation request)
//   - Run diagnostics snapshots (credential/quota state for post-hoc inspection)
