package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leehack/mcp-go/jsonrpc"
	"github.com/leehack/mcp-go/mcp"
)

// TaskFunc is the body of a tracked task. The value it returns becomes the
// task result retrievable via tasks/result; an error marks the task failed.
// The function must honor ctx: tasks/cancel cancels it, but cancellation is
// advisory and a task that ignores ctx runs to completion.
type TaskFunc func(ctx context.Context) (any, error)

type trackedTask struct {
	mu      sync.Mutex
	task    mcp.Task
	result  json.RawMessage
	failure string
	cancel  context.CancelFunc
	done    chan struct{}
}

func (tt *trackedTask) snapshot() mcp.Task {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.task
}

type taskManager struct {
	srv *Server

	mu    sync.Mutex
	order []*trackedTask
	byID  map[string]*trackedTask
}

func newTaskManager(srv *Server) *taskManager {
	return &taskManager{srv: srv, byID: map[string]*trackedTask{}}
}

// TaskOption configures a started task.
type TaskOption func(*mcp.Task)

// WithTaskStatusMessage sets the initial human-readable status message.
func WithTaskStatusMessage(msg string) TaskOption {
	return func(t *mcp.Task) { t.StatusMessage = msg }
}

// WithTaskTTL reports the retention period, in seconds, the task advertises
// to clients.
func WithTaskTTL(seconds int64) TaskOption {
	return func(t *mcp.Task) { t.TTL = seconds }
}

// StartTask registers fn as a tracked task and runs it. The returned id is
// usable immediately with the tasks/* operations. The task outlives ctx;
// only tasks/cancel (or Server shutdown of the process) stops it early.
func (s *Server) StartTask(ctx context.Context, fn TaskFunc, opts ...TaskOption) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("task needs a body")
	}
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	tt := &trackedTask{
		task: mcp.Task{
			TaskID:    uuid.NewString(),
			Status:    mcp.TaskStatusWorking,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&tt.task)
	}

	s.tasks.mu.Lock()
	s.tasks.order = append(s.tasks.order, tt)
	s.tasks.byID[tt.task.TaskID] = tt
	s.tasks.mu.Unlock()

	go s.tasks.run(taskCtx, tt, fn)
	return tt.task.TaskID, nil
}

func (tm *taskManager) run(ctx context.Context, tt *trackedTask, fn TaskFunc) {
	value, err := fn(ctx)

	tt.mu.Lock()
	switch {
	case err != nil && ctx.Err() != nil:
		tt.task.Status = mcp.TaskStatusCancelled
		tt.failure = err.Error()
	case err != nil:
		tt.task.Status = mcp.TaskStatusFailed
		tt.failure = err.Error()
	default:
		tt.task.Status = mcp.TaskStatusCompleted
		if value != nil {
			if raw, merr := json.Marshal(value); merr == nil {
				tt.result = raw
			} else {
				tt.task.Status = mcp.TaskStatusFailed
				tt.failure = "task result does not marshal: " + merr.Error()
			}
		}
	}
	snapshot := tt.task
	tt.mu.Unlock()
	close(tt.done)

	tm.srv.broadcast(context.Background(), mcp.TasksStatusNotificationMethod, mcp.TaskStatusNotification{Task: snapshot})
}

func (tm *taskManager) lookup(taskID string) (*trackedTask, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tt, ok := tm.byID[taskID]
	if !ok {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeInvalidParams,
			Message: fmt.Sprintf("unknown task %q", taskID),
		}
	}
	return tt, nil
}

func (tm *taskManager) handleList(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error) {
	params, err := decodeParams[mcp.ListTasksRequest](req)
	if err != nil {
		return nil, err
	}

	tm.mu.Lock()
	all := make([]mcp.Task, len(tm.order))
	for i, tt := range tm.order {
		all[i] = tt.snapshot()
	}
	tm.mu.Unlock()

	window, next, err := page(all, params.Cursor, tm.srv.pageSize)
	if err != nil {
		return nil, err
	}
	return &mcp.ListTasksResult{
		Tasks:           window,
		PaginatedResult: mcp.PaginatedResult{NextCursor: next},
	}, nil
}

func (tm *taskManager) handleGet(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error) {
	params, err := decodeParams[mcp.GetTaskRequest](req)
	if err != nil {
		return nil, err
	}
	tt, err := tm.lookup(params.TaskID)
	if err != nil {
		return nil, err
	}
	return tt.snapshot(), nil
}

func (tm *taskManager) handleCancel(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error) {
	params, err := decodeParams[mcp.CancelTaskRequest](req)
	if err != nil {
		return nil, err
	}
	tt, err := tm.lookup(params.TaskID)
	if err != nil {
		return nil, err
	}
	// Advisory: the body decides when (or whether) to stop.
	tt.cancel()
	return tt.snapshot(), nil
}

func (tm *taskManager) handleResult(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error) {
	params, err := decodeParams[mcp.TaskResultRequest](req)
	if err != nil {
		return nil, err
	}
	tt, err := tm.lookup(params.TaskID)
	if err != nil {
		return nil, err
	}

	select {
	case <-tt.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tt.mu.Lock()
	defer tt.mu.Unlock()
	return &mcp.TaskResultResult{
		Task:   tt.task,
		Result: tt.result,
		Error:  tt.failure,
	}, nil
}
