// Package workflow runs the project-start recipe: a fixed sequence of
// steps that brings up the orchestrator session, initializes the team,
// delivers the project prompt and waits for everyone to report in.
package workflow

import (
	"context"
	"time"
)

// Execution statuses.
const (
	ExecPending   = "pending"
	ExecRunning   = "running"
	ExecSucceeded = "succeeded"
	ExecFailed    = "failed"
	ExecCancelled = "cancelled"
)

// Step statuses.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// Step IDs, in execution order.
const (
	StepCheckOrchestrator  = "check_orchestrator"
	StepCreateOrchestrator = "create_orchestrator"
	StepInitializeCLI      = "initialize_claude"
	StepCreateTeamSessions = "create_team_sessions"
	StepSendProjectPrompt  = "send_project_prompt"
	StepMonitorSetup       = "monitor_setup"
)

// Step is one unit of the recipe. Steps live inside their execution by
// value; the back-reference is the execution ID only.
type Step struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
	Detail     string     `json:"detail,omitempty"`
}

// Execution is one project-start run.
type Execution struct {
	ID         string     `json:"executionId"`
	ProjectID  string     `json:"projectId"`
	TeamID     string     `json:"teamId"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Steps      []Step     `json:"steps"`
}

// Terminal reports whether the execution reached a final status.
func (e *Execution) Terminal() bool {
	switch e.Status {
	case ExecSucceeded, ExecFailed, ExecCancelled:
		return true
	}
	return false
}

// Store persists executions and their event trail.
type Store interface {
	SaveExecution(ctx context.Context, e Execution) error
	GetExecution(ctx context.Context, id string) (Execution, error)
	ListExecutions(ctx context.Context) ([]Execution, error)
}
