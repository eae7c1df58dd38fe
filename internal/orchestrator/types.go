// Package orchestrator implements the A2A orchestrator agent: it owns
// workflows as DAGs of tasks, assigns ready tasks to capable agents
// discovered through the discovery service, and progresses each
// workflow to completion while honoring task dependencies.
package orchestrator

import (
	"errors"
	"time"
)

// Task and Workflow terminal/non-terminal status values.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"

	WorkflowCreated   = "created"
	WorkflowRunning   = "running"
	WorkflowCompleted = "completed"
	WorkflowCancelled = "cancelled"
)

var (
	ErrWorkflowNotFound   = errors.New("orchestrator: workflow not found")
	ErrTaskNotFound       = errors.New("orchestrator: task not found")
	ErrTaskUnassignable   = errors.New("orchestrator: no suitable agents available")
	ErrWorkflowNotCreated = errors.New("orchestrator: workflow is not in created state")
)

// Task is a single unit of work within a Workflow. Priority is stored
// on the task but not read by the executor: ready tasks are assigned in
// insertion order regardless of Priority.
type Task struct {
	TaskID               string                 `json:"task_id"`
	WorkflowID           string                 `json:"workflow_id"`
	TaskType             string                 `json:"task_type"`
	Description          string                 `json:"description"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	Dependencies         []string               `json:"dependencies,omitempty"`
	Priority             int                    `json:"priority"`

	Status       string                 `json:"status"`
	AssignedTo   string                 `json:"assigned_to,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (t *Task) isTerminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Workflow is a DAG of Tasks owned by the orchestrator.
type Workflow struct {
	WorkflowID  string                 `json:"workflow_id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Context     map[string]interface{} `json:"context"`
	Status      string                 `json:"status"`
	Tasks       []*Task                `json:"tasks"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// IsCompleted reports whether every task in the workflow has reached a
// terminal state.
func (w *Workflow) IsCompleted() bool {
	if len(w.Tasks) == 0 {
		return true
	}
	for _, t := range w.Tasks {
		if !t.isTerminal() {
			return false
		}
	}
	return true
}

// CompletionPercentage reports the share of tasks in a terminal state,
// 0-100.
func (w *Workflow) CompletionPercentage() float64 {
	if len(w.Tasks) == 0 {
		return 100
	}
	done := 0
	for _, t := range w.Tasks {
		if t.isTerminal() {
			done++
		}
	}
	return 100 * float64(done) / float64(len(w.Tasks))
}

// readyTasks returns pending tasks whose dependencies are all
// completed, in the order they were added.
func (w *Workflow) readyTasks() []*Task {
	var ready []*Task
	for _, t := range w.Tasks {
		if t.Status != TaskPending {
			continue
		}
		if w.dependenciesCompleted(t) {
			ready = append(ready, t)
		}
	}
	return ready
}

func (w *Workflow) dependenciesCompleted(t *Task) bool {
	for _, depID := range t.Dependencies {
		dep := w.findTask(depID)
		if dep == nil || dep.Status != TaskCompleted {
			return false
		}
	}
	return true
}

func (w *Workflow) findTask(taskID string) *Task {
	for _, t := range w.Tasks {
		if t.TaskID == taskID {
			return t
		}
	}
	return nil
}

func (w *Workflow) runningTasks() []*Task {
	var running []*Task
	for _, t := range w.Tasks {
		if t.Status == TaskRunning {
			running = append(running, t)
		}
	}
	return running
}
