// Package transfer tracks the background upload and download pipelines.
// At most one pipeline is active per run.
package transfer

import (
	"time"

	"github.com/google/uuid"
)

// TaskType indicates whether a task is an upload or download.
type TaskType string

const (
	TaskTypeUpload   TaskType = "upload"
	TaskTypeDownload TaskType = "download"
)

// TaskState represents the current state of a pipeline task.
type TaskState string

const (
	TaskQueued    TaskState = "queued"    // Waiting for a worker slot
	TaskActive    TaskState = "active"    // Running
	TaskCompleted TaskState = "completed" // Finished without error
	TaskFailed    TaskState = "failed"    // Finished with error
)

// Task is a snapshot of one pipeline.
type Task struct {
	ID    string
	RunID string
	Type  TaskType
	State TaskState
	Error string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// IsTerminal returns true if the task has finished.
func (t Task) IsTerminal() bool {
	return t.State == TaskCompleted || t.State == TaskFailed
}

func newTask(runID string, typ TaskType) *Task {
	return &Task{
		ID:        uuid.NewString(),
		RunID:     runID,
		Type:      typ,
		State:     TaskQueued,
		CreatedAt: time.Now(),
	}
}
