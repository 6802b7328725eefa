package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/leehack/mcp-go/client"
	"github.com/leehack/mcp-go/jsonrpc"
	"github.com/leehack/mcp-go/mcp"
)

func TestTaskLifecycle(t *testing.T) {
	srv := New()
	c := connectClient(t, srv)

	release := make(chan struct{})
	taskID, err := srv.StartTask(context.Background(), func(ctx context.Context) (any, error) {
		<-release
		return map[string]string{"answer": "42"}, nil
	})
	if err != nil {
		t.Fatalf("failed to start task: %v", err)
	}

	task, err := c.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("tasks/get failed: %v", err)
	}
	if task.Status != mcp.TaskStatusWorking {
		t.Fatalf("expected a working task, got %q", task.Status)
	}

	listed, err := c.ListTasks(context.Background(), "")
	if err != nil {
		t.Fatalf("tasks/list failed: %v", err)
	}
	if len(listed.Tasks) != 1 || listed.Tasks[0].TaskID != taskID {
		t.Fatalf("unexpected task listing %+v", listed)
	}

	close(release)
	res, err := c.TaskResult(context.Background(), taskID)
	if err != nil {
		t.Fatalf("tasks/result failed: %v", err)
	}
	if res.Task.Status != mcp.TaskStatusCompleted {
		t.Fatalf("expected a completed task, got %q", res.Task.Status)
	}
	var value map[string]string
	if err := json.Unmarshal(res.Result, &value); err != nil || value["answer"] != "42" {
		t.Fatalf("unexpected task result %s (%v)", res.Result, err)
	}
}

func TestTaskResultBlocksUntilTerminal(t *testing.T) {
	srv := New()
	c := connectClient(t, srv)

	release := make(chan struct{})
	taskID, err := srv.StartTask(context.Background(), func(ctx context.Context) (any, error) {
		<-release
		return "done", nil
	})
	if err != nil {
		t.Fatalf("failed to start task: %v", err)
	}

	got := make(chan *mcp.TaskResultResult, 1)
	go func() {
		res, rerr := c.TaskResult(context.Background(), taskID)
		if rerr != nil {
			t.Errorf("tasks/result failed: %v", rerr)
			close(got)
			return
		}
		got <- res
	}()

	select {
	case <-got:
		t.Fatal("tasks/result returned before the task finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case res := <-got:
		if res == nil || res.Task.Status != mcp.TaskStatusCompleted {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tasks/result never returned")
	}
}

func TestTaskCancellation(t *testing.T) {
	statusCh := make(chan mcp.Task, 4)
	srv := New()
	c := connectClient(t, srv, client.WithTaskStatusFunc(func(task mcp.Task) { statusCh <- task }))

	taskID, err := srv.StartTask(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("failed to start task: %v", err)
	}

	task, err := c.CancelTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("tasks/cancel failed: %v", err)
	}
	// Cancellation is advisory; the snapshot may still read working here.
	if task.TaskID != taskID {
		t.Fatalf("unexpected task %+v", task)
	}

	res, err := c.TaskResult(context.Background(), taskID)
	if err != nil {
		t.Fatalf("tasks/result failed: %v", err)
	}
	if res.Task.Status != mcp.TaskStatusCancelled {
		t.Fatalf("expected a cancelled task, got %q", res.Task.Status)
	}
	if res.Error == "" {
		t.Fatal("expected the cancellation reason to be recorded")
	}

	select {
	case task := <-statusCh:
		if task.TaskID != taskID || !task.Status.Terminal() {
			t.Fatalf("unexpected status notification %+v", task)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("status notification never arrived")
	}
}

func TestTaskFailure(t *testing.T) {
	srv := New()
	c := connectClient(t, srv)

	taskID, err := srv.StartTask(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("disk on fire")
	})
	if err != nil {
		t.Fatalf("failed to start task: %v", err)
	}

	res, err := c.TaskResult(context.Background(), taskID)
	if err != nil {
		t.Fatalf("tasks/result failed: %v", err)
	}
	if res.Task.Status != mcp.TaskStatusFailed || res.Error != "disk on fire" {
		t.Fatalf("unexpected failure record %+v", res)
	}
}

func TestUnknownTaskRejected(t *testing.T) {
	srv := New()
	c := connectClient(t, srv)

	_, err := c.GetTask(context.Background(), "no-such-task")
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected an invalid-params error, got %v", err)
	}
}
