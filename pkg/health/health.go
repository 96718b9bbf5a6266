// Package health tracks whether the gateway process can still accept new
// sessions, independent of any single session's own health. Mirrors the
// healthHandler/health.State usage in the teacher's gateway server, made
// concrete here since the teacher's own implementation wasn't part of the
// retrieved source.
package health

import "sync/atomic"

// State is a process-wide readiness flag. The zero value reports healthy.
type State struct {
	unhealthy atomic.Bool
}

// IsHealthy reports whether the process should still accept new sessions.
func (s *State) IsHealthy() bool {
	return !s.unhealthy.Load()
}

// SetDraining marks the process unhealthy, used during graceful shutdown so
// /health starts returning 503 before in-flight sessions are torn down.
func (s *State) SetDraining() {
	s.unhealthy.Store(true)
}
