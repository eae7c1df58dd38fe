package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a2a-core/agenthub/internal/messaging"
	"github.com/a2a-core/agenthub/internal/observability"
	"github.com/a2a-core/agenthub/internal/runtime"
)

func newTestRuntime(t *testing.T, agentID string, caps []string, addr string) *runtime.Runtime {
	t.Helper()
	dir := t.TempDir()
	trace := observability.NewTraceManager("orchestrator-test")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := runtime.Config{
		AgentID:       agentID,
		Name:          agentID,
		Description:   "test agent",
		Capabilities:  caps,
		Endpoint:      "http://" + addr,
		IdentityDir:   filepath.Join(dir, "identities"),
		RegistryFile:  filepath.Join(dir, "agent_registry.json"),
		TransportAddr: addr,
	}

	rt, err := runtime.New(cfg, trace, nil, logger)
	require.NoError(t, err)
	return rt
}

func TestWorkflowDependencyOrdering(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, "orch", []string{"a2a:orchestration"}, "127.0.0.1:18091")
	require.NoError(t, rt.Initialize(ctx))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	o := New(rt, time.Millisecond, time.Millisecond, logger)

	w := o.CreateWorkflow("test-workflow", "a dependency chain", nil)
	t1, err := o.AddTask(w.WorkflowID, "t1", "first", []string{"banking:compliance"}, nil, nil)
	require.NoError(t, err)
	t2, err := o.AddTask(w.WorkflowID, "t2", "second", []string{"crypto:analysis"}, nil, []string{t1.TaskID})
	require.NoError(t, err)
	t3, err := o.AddTask(w.WorkflowID, "t3", "third", []string{"a2a:reporting"}, nil, []string{t1.TaskID, t2.TaskID})
	require.NoError(t, err)

	loaded, _ := o.GetWorkflowStatus(w.WorkflowID)
	require.ElementsMatch(t, []*Task{t1}, loaded.readyTasks())

	t1.Status = TaskCompleted
	require.ElementsMatch(t, []*Task{t2}, loaded.readyTasks())

	t2.Status = TaskCompleted
	require.ElementsMatch(t, []*Task{t3}, loaded.readyTasks())

	t3.Status = TaskCompleted
	require.True(t, loaded.IsCompleted())
	require.Equal(t, float64(100), loaded.CompletionPercentage())
}

func TestUnassignableTaskFailsWithoutAbortingWorkflow(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, "orch", []string{"a2a:orchestration"}, "127.0.0.1:18092")
	require.NoError(t, rt.Initialize(ctx))
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop(ctx)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	o := New(rt, 10*time.Millisecond, 10*time.Millisecond, logger)

	w := o.CreateWorkflow("unassignable", "", nil)
	_, err := o.AddTask(w.WorkflowID, "t1", "needs nothing that exists", []string{"x:nonexistent"}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, o.StartWorkflow(ctx, w.WorkflowID))

	require.Eventually(t, func() bool {
		loaded, _ := o.GetWorkflowStatus(w.WorkflowID)
		return loaded.Status == WorkflowCompleted
	}, 2*time.Second, 10*time.Millisecond)

	loaded, _ := o.GetWorkflowStatus(w.WorkflowID)
	require.Equal(t, TaskFailed, loaded.Tasks[0].Status)
	require.Equal(t, "orchestrator: no suitable agents available", loaded.Tasks[0].ErrorMessage)
	require.Equal(t, float64(100), loaded.CompletionPercentage())
}

func TestTaskResponseCompletesTask(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, "orch", []string{"a2a:orchestration"}, "127.0.0.1:18093")
	require.NoError(t, rt.Initialize(ctx))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	o := New(rt, time.Millisecond, time.Millisecond, logger)

	w := o.CreateWorkflow("manual", "", nil)
	task, err := o.AddTask(w.WorkflowID, "t1", "", nil, nil, nil)
	require.NoError(t, err)
	task.Status = TaskRunning

	resp := messaging.NewMessage("agent_worker", "orch", "task_response", map[string]interface{}{
		"task_id": task.TaskID,
		"status":  "completed",
		"result":  map[string]interface{}{"answer": float64(42)},
	})
	_, err = o.handleTaskResponse(resp, nil)
	require.NoError(t, err)

	loaded, _ := o.GetWorkflowStatus(w.WorkflowID)
	require.Equal(t, TaskCompleted, loaded.Tasks[0].Status)
	require.Equal(t, float64(42), loaded.Tasks[0].Result["answer"])
	require.Equal(t, map[string]interface{}{"answer": float64(42)}, loaded.Context["task_"+task.TaskID+"_result"])
}

func TestCancelWorkflowMarksRunningTasksCancelled(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, "orch", []string{"a2a:orchestration"}, "127.0.0.1:18094")
	require.NoError(t, rt.Initialize(ctx))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	o := New(rt, time.Millisecond, time.Millisecond, logger)

	w := o.CreateWorkflow("cancel-me", "", nil)
	task, err := o.AddTask(w.WorkflowID, "t1", "", nil, nil, nil)
	require.NoError(t, err)
	task.Status = TaskRunning
	task.AssignedTo = "agent_worker"

	require.NoError(t, o.CancelWorkflow(ctx, w.WorkflowID))

	loaded, _ := o.GetWorkflowStatus(w.WorkflowID)
	require.Equal(t, WorkflowCancelled, loaded.Status)
	require.Equal(t, TaskCancelled, loaded.Tasks[0].Status)
}

func TestWorkflowStatusRequestHandler(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, "orch", []string{"a2a:orchestration"}, "127.0.0.1:18095")
	require.NoError(t, rt.Initialize(ctx))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	o := New(rt, time.Millisecond, time.Millisecond, logger)
	w := o.CreateWorkflow("status-check", "", nil)

	req := messaging.NewMessage("agent_client", "orch", "workflow_status_request", map[string]interface{}{
		"workflow_id": w.WorkflowID,
	})
	resp, err := o.handleWorkflowStatusRequest(req, nil)
	require.NoError(t, err)
	require.Equal(t, WorkflowCreated, resp.Payload["status"])
}
