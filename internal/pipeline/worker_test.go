package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/marketwire/newspipe/internal/llm"
	"github.com/marketwire/newspipe/internal/store"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestPool_ProcessesQueueAndStops(t *testing.T) {
	env := newTestEnv(t)
	env.gw.responses[llm.PurposeLayer1Scoring] = scoreDiscard

	ref1 := newsRef()
	ref2 := newsRef()
	ref2.URL = "https://news.example.com/second-story"
	ref2.Title = "Second story"
	id1, _, err := env.pipe.Enqueue(context.Background(), ref1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id2, _, err := env.pipe.Enqueue(context.Background(), ref2)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pool := NewPool(env.pipe, PoolConfig{
		Workers:      2,
		PollInterval: 20 * time.Millisecond,
		StaleAfter:   time.Hour,
		DrainTimeout: time.Second,
	}, testLogger())
	pool.Start()
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool {
		a1 := env.store.article(t, id1)
		a2 := env.store.article(t, id2)
		return a1.FilterStatus == store.FilterDelete && a2.FilterStatus == store.FilterDelete
	})

	for _, id := range []int64{id1, id2} {
		task := env.store.taskFor(id, StageScore)
		if task == nil || task.Status != store.TaskDone {
			t.Errorf("score task for %d = %+v, want done", id, task)
		}
	}
}

func TestPool_StopWithEmptyQueueReturnsPromptly(t *testing.T) {
	env := newTestEnv(t)
	pool := NewPool(env.pipe, PoolConfig{
		Workers:      3,
		PollInterval: 20 * time.Millisecond,
		DrainTimeout: 5 * time.Second,
	}, testLogger())
	pool.Start()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return with an idle pool")
	}
}

func TestPool_SweepRequeuesStaleTasks(t *testing.T) {
	env := newTestEnv(t)
	id := env.enqueue(t)

	// A worker claims the task and then dies: the task stays running with a
	// stale updated_at.
	task, err := env.store.ClaimTask(context.Background(), "crashed-worker")
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	env.store.mu.Lock()
	env.store.tasks[task.ID].UpdatedAt = time.Now().Add(-time.Hour)
	env.store.mu.Unlock()

	pool := NewPool(env.pipe, PoolConfig{StaleAfter: 10 * time.Minute}, testLogger())
	pool.sweepOnce(context.Background())

	got := env.store.taskFor(id, StageScore)
	if got == nil || got.Status != store.TaskQueued {
		t.Fatalf("stale task = %+v, want requeued", got)
	}
	if got.ClaimedBy != "" {
		t.Errorf("requeued task still claimed by %q", got.ClaimedBy)
	}
}

func TestPool_SweepLeavesFreshTasksAlone(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t)

	task, err := env.store.ClaimTask(context.Background(), "live-worker")
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}

	pool := NewPool(env.pipe, PoolConfig{StaleAfter: 10 * time.Minute}, testLogger())
	pool.sweepOnce(context.Background())

	got := env.store.taskFor(task.ArticleID, StageScore)
	if got == nil || got.Status != store.TaskRunning {
		t.Fatalf("fresh running task = %+v, want still running", got)
	}
}
