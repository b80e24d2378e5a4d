package store

import (
	"encoding/json"
	"time"
)

// EnvironmentStatus is the lifecycle state of an Environment row.
type EnvironmentStatus string

const (
	EnvironmentPreparing EnvironmentStatus = "preparing"
	EnvironmentPool      EnvironmentStatus = "pool"
	EnvironmentInUse     EnvironmentStatus = "in_use"
	EnvironmentRemoving  EnvironmentStatus = "removing"
	EnvironmentFailed    EnvironmentStatus = "failed"
)

// TaskStatus is the lifecycle state of a Task row.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskStarted  TaskStatus = "started"
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
)

// JobStatus is the lifecycle state of a Job row.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// JobType names the closed set of job kinds the worker pool understands.
type JobType string

const (
	JobPrepareEnvironment JobType = "prepare_environment"
	JobUpdateEnvironment  JobType = "update_environment"
	JobClaimEnvironment   JobType = "claim_environment"
	JobRemoveEnvironment  JobType = "remove_environment"
	JobRemoveTask         JobType = "remove_task"
	JobRunTask            JobType = "run_task"
)

// Project is a static, user-declared project row.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Environment is a prepared workspace instance owned by a provider.
type Environment struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"project_id"`
	Provider  string            `json:"provider"`
	Status    EnvironmentStatus `json:"status"`
	Metadata  json.RawMessage   `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Task is a unit of work to run inside an Environment.
type Task struct {
	ID            string     `json:"id"`
	EnvironmentID string     `json:"environment_id"`
	ProjectID     string     `json:"project_id"`
	Provider      string     `json:"provider"`
	Description   string     `json:"description"`
	Status        TaskStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Job is a unit of deferred work for the worker pool.
type Job struct {
	ID             string          `json:"id"`
	Type           JobType         `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	Attempt        int             `json:"attempt"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DedupeKey      *string         `json:"dedupe_key,omitempty"`
	NotBefore      *time.Time      `json:"not_before,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
}

// Migration is one applied row in the schema migration ledger.
type Migration struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// EnvironmentPayload is the decoded shape of a job payload that targets
// an environment and, optionally, the task that triggered it.
type EnvironmentPayload struct {
	EnvironmentID     string `json:"env_id"`
	TaskID            string `json:"task_id,omitempty"`
	ClaimAfterPrepare bool   `json:"claim_after_prepare,omitempty"`
}

// TaskPayload is the decoded shape of a job payload that targets a task
// (and the environment paired with it).
type TaskPayload struct {
	TaskID        string `json:"task_id"`
	EnvironmentID string `json:"env_id"`
}

func marshalPayload(v any) (json.RawMessage, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(buf), nil
}
