package storage

// Package storage provides the durable persistence layer for the daemon.
//
// It currently supports:
//   - Small keyed values (task registry, slot counter, pending dispatch units)
//   - Atomic read-modify-write on a single key
//   - Task run history (append, list, prune)
