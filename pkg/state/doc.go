// Package state persists per-stack deployment progress: passed phases,
// variables, failed components, and rollback checkpoints. Each stack owns
// one JSON document on disk; every mutation goes through a per-stack lock
// and an atomic write-temp-then-rename save.
package state
