package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/huangang/vibecoding/internal/config"
)

func TestTaskTypeInviteNotify_Constant(t *testing.T) {
	if TaskTypeInviteNotify != "invite:notify" {
		t.Errorf("TaskTypeInviteNotify = %q, expected %q", TaskTypeInviteNotify, "invite:notify")
	}
}

func TestNewTaskQueue_RedisDisabled(t *testing.T) {
	q := NewTaskQueue(&config.RedisConfig{Enabled: false})
	if q.IsAsync() {
		t.Error("queue should be synchronous when Redis is disabled")
	}
	q.Close()
}

func TestNewTaskQueue_RedisUnreachableFallsBack(t *testing.T) {
	q := NewTaskQueue(&config.RedisConfig{Enabled: true, Addr: "127.0.0.1:1"})
	if q.IsAsync() {
		t.Error("queue should fall back to sync mode when Redis is unreachable")
	}
	q.Close()
}

func TestSyncQueue_ProcessesTask(t *testing.T) {
	q := NewSyncQueue()

	var mu sync.Mutex
	var got []*InviteTask
	q.SetProcessor(func(ctx context.Context, task *InviteTask) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, task)
		return nil
	})

	if err := q.Enqueue(context.Background(), &InviteTask{ProjectID: "p1", Email: "a@b.c"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	q.Close()

	if len(got) != 1 || got[0].Email != "a@b.c" {
		t.Errorf("processed = %+v", got)
	}
}

func TestSyncQueue_NoProcessor(t *testing.T) {
	q := NewSyncQueue()
	if err := q.Enqueue(context.Background(), &InviteTask{}); err != nil {
		t.Errorf("Enqueue() without processor error = %v", err)
	}
}

func TestSyncQueue_ProcessorErrorIsLogged(t *testing.T) {
	q := NewSyncQueue()
	q.SetProcessor(func(ctx context.Context, task *InviteTask) error {
		return errors.New("smtp down")
	})
	if err := q.Enqueue(context.Background(), &InviteTask{ProjectID: "p1"}); err != nil {
		t.Errorf("Enqueue() error = %v", err)
	}
	q.Close()
}

func TestWorker_Disabled(t *testing.T) {
	if w := NewWorker(&config.RedisConfig{Enabled: false}); w != nil {
		t.Error("NewWorker() should return nil when Redis is disabled")
	}
}

func TestWorker_HandleInviteTask(t *testing.T) {
	w := &Worker{}

	var got InviteTask
	w.SetProcessor(func(ctx context.Context, task *InviteTask) error {
		got = *task
		return nil
	})

	payload, _ := json.Marshal(InviteTask{ProjectID: "p1", Role: "Viewer", Email: "v@x.io"})
	if err := w.handleInviteTask(context.Background(), asynq.NewTask(TaskTypeInviteNotify, payload)); err != nil {
		t.Fatalf("handleInviteTask() error = %v", err)
	}
	if got.ProjectID != "p1" || got.Role != "Viewer" {
		t.Errorf("task = %+v", got)
	}

	if err := w.handleInviteTask(context.Background(), asynq.NewTask(TaskTypeInviteNotify, []byte("{"))); err == nil {
		t.Error("handleInviteTask() should fail on a malformed payload")
	}
}
