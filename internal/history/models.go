// Package history records release runs in the local SQLite database.
package history

import "time"

// Run is one recorded release run.
type Run struct {
	ID           string
	Project      string
	Version      string
	SourceCommit string
	StartedAt    time.Time
	FinishedAt   time.Time
	Success      bool
	Tracks       []Track
}

// Track is the recorded outcome of a single track within a run.
type Track struct {
	Name     string
	Status   string
	Kind     string
	Artifact string
	SHA256   string
	Duration time.Duration
}
