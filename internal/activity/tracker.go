// Package activity implements the centralized Activity Tracker
// (spec.md §4.3): a single poller per job that coalesces outstanding
// upstream asynchronous-operation IDs into a small, bounded set of
// upstream status calls and wakes per-activity waiters on completion.
package activity

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetwire/provisioner/internal/logger"
	"github.com/fleetwire/provisioner/internal/phase"
)

// Poller is the narrow upstream capability the tracker needs: given an
// activity id, report whether it has reached a terminal state.
type Poller interface {
	PollActivity(ctx context.Context, activityID string) (done bool, success bool, data map[string]any, err error)
}

// BatchPoller is an optional capability: if the upstream offers a
// batch/list endpoint, the tracker prefers it over per-id polling
// (spec.md §4.3 step 2).
type BatchPoller interface {
	PollActivities(ctx context.Context, activityIDs []string) (map[string]ActivityStatus, error)
}

// ActivityStatus is one upstream-reported activity outcome from a batch poll.
type ActivityStatus struct {
	Done    bool
	Success bool
	Data    map[string]any
	Error   string
}

// Ref is a pending upstream asynchronous operation (spec.md §3).
type Ref struct {
	ActivityID  string
	JobID       string
	UnitID      string
	PhaseID     string
	SubmittedAt time.Time
}

type entry struct {
	ref       Ref
	waiter    chan phase.ActivityResult
	pollCount int
	woken     bool
}

// Tracker is the per-job (or per-worker) activity poller.
type Tracker struct {
	poller       Poller
	pollInterval time.Duration
	timeoutPolls int
	concurrency  int
	log          *logger.Logger

	mu      sync.Mutex
	pending map[string]*entry

	cancel   context.CancelFunc
	stopped  chan struct{}
	stopOnce sync.Once
}

// Config configures a Tracker's polling cadence.
type Config struct {
	PollInterval time.Duration
	TimeoutPolls int
	Concurrency  int
}

// DefaultConfig matches spec.md §4.3/§9 defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 3 * time.Second, TimeoutPolls: 60, Concurrency: 8}
}

// New creates a Tracker and starts its background poll loop.
func New(ctx context.Context, poller Poller, cfg Config, log *logger.Logger) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.TimeoutPolls <= 0 {
		cfg.TimeoutPolls = 60
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if log == nil {
		log = logger.Default()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t := &Tracker{
		poller:       poller,
		pollInterval: cfg.PollInterval,
		timeoutPolls: cfg.TimeoutPolls,
		concurrency:  cfg.Concurrency,
		log:          log,
		pending:      make(map[string]*entry),
		cancel:       cancel,
		stopped:      make(chan struct{}),
	}
	go t.loop(loopCtx)
	return t
}

var errAlreadyRegistered = errors.New("activity: already registered")

// Register enrolls an activity id into the pending set. Registration
// is idempotent: re-registering an already-pending id is a no-op.
func (t *Tracker) Register(ctx context.Context, jobID, unitID, phaseID, activityID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[activityID]; exists {
		return nil
	}

	t.pending[activityID] = &entry{
		ref: Ref{
			ActivityID:  activityID,
			JobID:       jobID,
			UnitID:      unitID,
			PhaseID:     phaseID,
			SubmittedAt: time.Now(),
		},
		waiter: make(chan phase.ActivityResult, 1),
	}
	return nil
}

// Wait suspends until the tracker reports a terminal state for
// activityID, or the context is cancelled. Each id is consumed by
// exactly one waiter.
func (t *Tracker) Wait(ctx context.Context, activityID string) (phase.ActivityResult, error) {
	t.mu.Lock()
	e, ok := t.pending[activityID]
	t.mu.Unlock()
	if !ok {
		return phase.ActivityResult{}, errors.New("activity: not registered: " + activityID)
	}

	select {
	case res := <-e.waiter:
		return res, nil
	case <-ctx.Done():
		return phase.ActivityResult{}, ctx.Err()
	}
}

// Pending returns the number of outstanding activities.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// CancelJob wakes every waiter belonging to jobID with a cancelled
// result (spec.md §4.3 step 5) and removes them from the pending set.
func (t *Tracker) CancelJob(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, e := range t.pending {
		if e.ref.JobID != jobID || e.woken {
			continue
		}
		e.woken = true
		e.waiter <- phase.ActivityResult{Success: false, Error: "cancelled"}
		delete(t.pending, id)
	}
}

// Stop terminates the background poll loop.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		t.cancel()
		<-t.stopped
	})
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.stopped)
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.pollOnce(ctx)
		}
	}
}

func (t *Tracker) pollOnce(ctx context.Context) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	if batch, ok := t.poller.(BatchPoller); ok {
		statuses, err := batch.PollActivities(ctx, ids)
		if err != nil {
			t.log.Warn("activity tracker: batch poll failed", "error", err, "count", len(ids))
		} else {
			for id, st := range statuses {
				if st.Done {
					t.resolve(id, phase.ActivityResult{Success: st.Success, Data: st.Data, Error: st.Error})
				} else {
					t.bumpPollCount(id)
				}
			}
			return
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			done, success, data, err := t.poller.PollActivity(gctx, id)
			if err != nil {
				t.log.Warn("activity tracker: poll failed", "activity_id", id, "error", err)
				t.bumpPollCount(id)
				return nil
			}
			if done {
				t.resolve(id, phase.ActivityResult{Success: success, Data: data})
			} else {
				t.bumpPollCount(id)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (t *Tracker) resolve(activityID string, result phase.ActivityResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[activityID]
	if !ok || e.woken {
		return
	}
	e.woken = true
	e.waiter <- result
	delete(t.pending, activityID)
}

func (t *Tracker) bumpPollCount(activityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[activityID]
	if !ok || e.woken {
		return
	}
	e.pollCount++
	if e.pollCount >= t.timeoutPolls {
		e.woken = true
		e.waiter <- phase.ActivityResult{Success: false, Timeout: true, Error: "activity timeout"}
		delete(t.pending, activityID)
	}
}
