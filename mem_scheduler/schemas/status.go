package schemas

import "time"

// TaskState is the lifecycle state of a scheduled task.
type TaskState string

const (
	TaskSubmitted TaskState = "submitted"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskDropped   TaskState = "dropped"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskDropped, TaskCancelled:
		return true
	}
	return false
}

// TaskStatusRecord is the tracker's view of one task.
type TaskStatusRecord struct {
	TaskID         string    `json:"task_id"`
	State          TaskState `json:"state"`
	UserID         string    `json:"user_id"`
	Label          string    `json:"label"`
	MemCubeID      string    `json:"mem_cube_id"`
	BusinessTaskID string    `json:"business_task_id,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}
