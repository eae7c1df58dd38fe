package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a2a-core/agenthub/internal/auth"
	"github.com/a2a-core/agenthub/internal/discovery"
	"github.com/a2a-core/agenthub/internal/messaging"
	"github.com/a2a-core/agenthub/internal/runtime"
)

const (
	defaultAssignmentCycle = 500 * time.Millisecond
	defaultStallCycle      = time.Second
)

// Orchestrator owns workflows, assigns ready tasks to capable agents
// discovered through the runtime's discovery registry, and progresses
// each workflow to completion honoring task dependencies. It never
// assigns work to itself.
type Orchestrator struct {
	rt *runtime.Runtime

	store *workflowStore

	assignmentCycle time.Duration
	stallCycle      time.Duration

	capabilityCache   map[string][]string
	capabilityCacheMu sync.Mutex

	logger *slog.Logger
}

// New builds an Orchestrator driven by an already-initialized Runtime.
// It installs the task_response, workflow_status_request, and
// capability_update message handlers.
func New(rt *runtime.Runtime, assignmentCycle, stallCycle time.Duration, logger *slog.Logger) *Orchestrator {
	if assignmentCycle <= 0 {
		assignmentCycle = defaultAssignmentCycle
	}
	if stallCycle <= 0 {
		stallCycle = defaultStallCycle
	}

	o := &Orchestrator{
		rt:              rt,
		store:           newWorkflowStore(),
		assignmentCycle: assignmentCycle,
		stallCycle:      stallCycle,
		capabilityCache: make(map[string][]string),
		logger:          logger,
	}

	rt.RegisterMessageHandler("task_response", o.handleTaskResponse)
	rt.RegisterMessageHandler("workflow_status_request", o.handleWorkflowStatusRequest)
	rt.RegisterMessageHandler("capability_update", o.handleCapabilityUpdate)

	return o
}

// CreateWorkflow registers a new Workflow in status "created".
func (o *Orchestrator) CreateWorkflow(name, description string, ctxData map[string]interface{}) *Workflow {
	if ctxData == nil {
		ctxData = make(map[string]interface{})
	}
	w := &Workflow{
		WorkflowID:  uuid.NewString(),
		Name:        name,
		Description: description,
		Context:     ctxData,
		Status:      WorkflowCreated,
		CreatedAt:   time.Now(),
	}
	o.store.Store(w)
	return w
}

// AddTask appends a pending task to workflowID. Task ids are
// deterministic: task_<workflow_id>_<n> where n is the 1-based
// insertion index.
func (o *Orchestrator) AddTask(workflowID, taskType, description string, requiredCapabilities []string, parameters map[string]interface{}, dependencies []string) (*Task, error) {
	w, ok := o.store.Load(workflowID)
	if !ok {
		return nil, ErrWorkflowNotFound
	}

	t := &Task{
		TaskID:               fmt.Sprintf("task_%s_%d", workflowID, len(w.Tasks)+1),
		WorkflowID:           workflowID,
		TaskType:             taskType,
		Description:          description,
		RequiredCapabilities: requiredCapabilities,
		Parameters:           parameters,
		Dependencies:         dependencies,
		Status:               TaskPending,
		CreatedAt:            time.Now(),
	}
	w.Tasks = append(w.Tasks, t)
	o.store.Store(w)
	return t, nil
}

// StartWorkflow transitions workflowID to "running" and spawns its
// background executor loop. The executor runs until the workflow
// reaches a terminal state or stalls (no ready and no running tasks).
func (o *Orchestrator) StartWorkflow(ctx context.Context, workflowID string) error {
	w, ok := o.store.Load(workflowID)
	if !ok {
		return ErrWorkflowNotFound
	}
	if w.Status != WorkflowCreated {
		return ErrWorkflowNotCreated
	}
	w.Status = WorkflowRunning
	o.store.Store(w)

	go o.runExecutor(ctx, workflowID)
	return nil
}

func (o *Orchestrator) runExecutor(ctx context.Context, workflowID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w, ok := o.store.Load(workflowID)
		if !ok {
			return
		}
		if w.Status == WorkflowCancelled {
			return
		}
		if w.IsCompleted() {
			w.Status = WorkflowCompleted
			now := time.Now()
			w.CompletedAt = &now
			o.store.Store(w)
			return
		}

		ready := w.readyTasks()
		running := w.runningTasks()

		if len(ready) == 0 && len(running) == 0 {
			o.logger.WarnContext(ctx, "workflow stalled: no ready and no running tasks", "workflow_id", workflowID)
			return
		}

		if len(ready) == 0 {
			o.sleep(ctx, o.stallCycle)
			continue
		}

		var wg sync.WaitGroup
		for _, t := range ready {
			wg.Add(1)
			go func(t *Task) {
				defer wg.Done()
				o.assignAndStartTask(ctx, workflowID, t)
			}(t)
		}
		wg.Wait()

		o.sleep(ctx, o.assignmentCycle)
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// assignAndStartTask discovers a capable agent for t, marks it running
// and persists the assignment, and sends a task_assignment message. A
// task that cannot be assigned or transmitted is marked failed but
// never aborts the workflow.
func (o *Orchestrator) assignAndStartTask(ctx context.Context, workflowID string, t *Task) {
	agents := o.rt.DiscoverAgents(t.RequiredCapabilities, 0)

	var chosen *discovery.AgentRecord
	for _, a := range agents {
		if a.AgentID == o.rt.AgentID() {
			continue
		}
		chosen = a
		break
	}

	if chosen == nil {
		o.failTask(workflowID, t.TaskID, ErrTaskUnassignable.Error())
		return
	}

	w, ok := o.store.Load(workflowID)
	if !ok {
		return
	}
	task := w.findTask(t.TaskID)
	if task == nil {
		return
	}
	now := time.Now()
	task.Status = TaskRunning
	task.AssignedTo = chosen.AgentID
	task.StartedAt = &now
	o.store.Store(w)

	payload := map[string]interface{}{
		"workflow_id": workflowID,
		"task_id":     task.TaskID,
		"task_type":   task.TaskType,
		"description": task.Description,
		"parameters":  task.Parameters,
		"context":     w.Context,
	}

	if _, err := o.rt.SendMessage(ctx, chosen.AgentID, "task_assignment", payload, ""); err != nil {
		o.logger.WarnContext(ctx, "failed to send task assignment", "task_id", task.TaskID, "agent_id", chosen.AgentID, "error", err)
		o.failTask(workflowID, task.TaskID, "Failed to send task assignment")
	}
}

func (o *Orchestrator) failTask(workflowID, taskID, reason string) {
	w, ok := o.store.Load(workflowID)
	if !ok {
		return
	}
	task := w.findTask(taskID)
	if task == nil {
		return
	}
	now := time.Now()
	task.Status = TaskFailed
	task.ErrorMessage = reason
	task.CompletedAt = &now
	o.store.Store(w)
}

// handleTaskResponse processes an inbound task_response: {task_id,
// status, result?, error?}. It never returns an error; malformed
// payloads are logged and ignored.
func (o *Orchestrator) handleTaskResponse(m *messaging.Message, _ *auth.Token) (*messaging.Message, error) {
	taskID, _ := m.Payload["task_id"].(string)
	status, _ := m.Payload["status"].(string)
	if taskID == "" {
		return nil, nil
	}

	w := o.findWorkflowByTask(taskID)
	if w == nil {
		o.logger.WarnContext(context.Background(), "task_response for unknown task", "task_id", taskID)
		return nil, nil
	}
	task := w.findTask(taskID)
	now := time.Now()

	switch status {
	case TaskCompleted:
		result, _ := m.Payload["result"].(map[string]interface{})
		task.Status = TaskCompleted
		task.Result = result
		task.CompletedAt = &now
		w.Context[fmt.Sprintf("task_%s_result", taskID)] = result
	case TaskFailed:
		errMsg, _ := m.Payload["error"].(string)
		task.Status = TaskFailed
		task.ErrorMessage = errMsg
		task.CompletedAt = &now
	default:
		o.logger.WarnContext(context.Background(), "task_response with unrecognized status", "task_id", taskID, "status", status)
		return nil, nil
	}

	o.store.Store(w)
	return nil, nil
}

func (o *Orchestrator) handleWorkflowStatusRequest(m *messaging.Message, _ *auth.Token) (*messaging.Message, error) {
	workflowID, _ := m.Payload["workflow_id"].(string)
	w, ok := o.store.Load(workflowID)
	if !ok {
		return m.CreateResponse("workflow_status_response", map[string]interface{}{
			"workflow_id": workflowID,
			"error":       "workflow not found",
		}), nil
	}
	return m.CreateResponse("workflow_status_response", map[string]interface{}{
		"workflow_id":           w.WorkflowID,
		"status":                w.Status,
		"completion_percentage": w.CompletionPercentage(),
	}), nil
}

func (o *Orchestrator) handleCapabilityUpdate(m *messaging.Message, _ *auth.Token) (*messaging.Message, error) {
	var caps []string
	if raw, ok := m.Payload["capabilities"].([]interface{}); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				caps = append(caps, s)
			}
		}
	}
	o.capabilityCacheMu.Lock()
	o.capabilityCache[m.SenderID] = caps
	o.capabilityCacheMu.Unlock()
	return nil, nil
}

// CancelWorkflow marks every running task cancelled, notifies each
// assigned agent via task_cancellation without awaiting acknowledgement,
// and transitions the workflow to "cancelled".
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID string) error {
	w, ok := o.store.Load(workflowID)
	if !ok {
		return ErrWorkflowNotFound
	}

	for _, t := range w.runningTasks() {
		t.Status = TaskCancelled
		if t.AssignedTo != "" {
			go o.rt.SendMessage(ctx, t.AssignedTo, "task_cancellation", map[string]interface{}{"task_id": t.TaskID}, "")
		}
	}
	w.Status = WorkflowCancelled
	o.store.Store(w)
	return nil
}

// GetWorkflowStatus returns the workflow for id, if present.
func (o *Orchestrator) GetWorkflowStatus(workflowID string) (*Workflow, bool) {
	return o.store.Load(workflowID)
}

func (o *Orchestrator) findWorkflowByTask(taskID string) *Workflow {
	for _, w := range o.store.All() {
		if w.findTask(taskID) != nil {
			return w
		}
	}
	return nil
}
