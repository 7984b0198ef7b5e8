// Package models defines the data structures shared by the run lifecycle.
package models

import "time"

// JobFileNotFound is stored in Run.JobFile when no job-description file
// matched in the local directory.
const JobFileNotFound = "Not found"

// Run is one submitted or attempted batch job.
type Run struct {
	ID          string    `json:"run_id"`
	Name        string    `json:"run_name"`
	LocalDir    string    `json:"local_dir"`
	JobFile     string    `json:"job_file"`
	RemoteJobID string    `json:"remote_job_id"`
	CreatedAt   time.Time `json:"created_at"`
	Status      Status    `json:"status"`
}

// Actions returns the permitted actions for the run's current status.
func (r Run) Actions() ActionSet {
	return ActionsFor(r.Status)
}

// HasJobFile reports whether a job-description file was found at creation.
func (r Run) HasJobFile() bool {
	return r.JobFile != "" && r.JobFile != JobFileNotFound
}

// Connection holds the remote host identity persisted with the runs.
type Connection struct {
	Host       string `json:"remote_host"`
	Username   string `json:"remote_username"`
	Credential string `json:"credential"`
}

// IsComplete reports whether all fields needed to open a session are set.
func (c Connection) IsComplete() bool {
	return c.Host != "" && c.Username != "" && c.Credential != ""
}
