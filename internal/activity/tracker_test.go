package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoller struct {
	mu   sync.Mutex
	done map[string]bool
	ok   map[string]bool
}

func newFakePoller() *fakePoller {
	return &fakePoller{done: map[string]bool{}, ok: map[string]bool{}}
}

func (f *fakePoller) complete(id string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[id] = true
	f.ok[id] = success
}

func (f *fakePoller) PollActivity(ctx context.Context, activityID string) (bool, bool, map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done[activityID], f.ok[activityID], nil, nil
}

func TestTracker_RegisterAndWaitResolvesOnPoll(t *testing.T) {
	poller := newFakePoller()
	tr := New(context.Background(), poller, Config{PollInterval: 10 * time.Millisecond, TimeoutPolls: 100, Concurrency: 4}, nil)
	defer tr.Stop()

	require.NoError(t, tr.Register(context.Background(), "job1", "unit1", "activate_network", "act-1"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		poller.complete("act-1", true)
	}()

	res, err := tr.Wait(context.Background(), "act-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestTracker_RegisterIsIdempotent(t *testing.T) {
	poller := newFakePoller()
	tr := New(context.Background(), poller, DefaultConfig(), nil)
	defer tr.Stop()

	require.NoError(t, tr.Register(context.Background(), "job1", "u1", "p1", "act-1"))
	require.NoError(t, tr.Register(context.Background(), "job1", "u1", "p1", "act-1"))
	assert.Equal(t, 1, tr.Pending())
}

func TestTracker_TimeoutFiresAfterConfiguredPolls(t *testing.T) {
	poller := newFakePoller()
	tr := New(context.Background(), poller, Config{PollInterval: 5 * time.Millisecond, TimeoutPolls: 3, Concurrency: 4}, nil)
	defer tr.Stop()

	require.NoError(t, tr.Register(context.Background(), "job1", "u1", "p1", "act-timeout"))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	res, err := tr.Wait(ctx, "act-timeout")
	require.NoError(t, err)
	assert.True(t, res.Timeout)
	assert.False(t, res.Success)
}

func TestTracker_CancelJobWakesAllWaiters(t *testing.T) {
	poller := newFakePoller()
	tr := New(context.Background(), poller, Config{PollInterval: time.Hour, TimeoutPolls: 1000, Concurrency: 4}, nil)
	defer tr.Stop()

	require.NoError(t, tr.Register(context.Background(), "job1", "u1", "p1", "act-a"))
	require.NoError(t, tr.Register(context.Background(), "job1", "u2", "p1", "act-b"))
	require.NoError(t, tr.Register(context.Background(), "job2", "u3", "p1", "act-c"))

	done := make(chan phase2Result, 2)
	go func() {
		res, _ := tr.Wait(context.Background(), "act-a")
		done <- phase2Result{id: "act-a", success: res.Success, err: res.Error}
	}()
	go func() {
		res, _ := tr.Wait(context.Background(), "act-b")
		done <- phase2Result{id: "act-b", success: res.Success, err: res.Error}
	}()

	time.Sleep(10 * time.Millisecond)
	tr.CancelJob("job1")

	for i := 0; i < 2; i++ {
		select {
		case r := <-done:
			assert.False(t, r.success)
			assert.Equal(t, "cancelled", r.err)
		case <-time.After(time.Second):
			t.Fatal("waiter was not woken by CancelJob")
		}
	}

	assert.Equal(t, 1, tr.Pending()) // job2's activity is untouched
}

type phase2Result struct {
	id      string
	success bool
	err     string
}
