// Package state implements the Redis-backed State Manager (spec.md
// §4.5): per-job/per-unit persistence, distributed locks, the activity
// index, the cancellation flag, pub/sub, and job indices. It is the
// only package that owns a *redis.Client; everything else depends on
// the narrow interfaces it satisfies (events.PubSub, activity's
// persistence needs, etc).
package state

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetwire/provisioner/internal/config"
	"github.com/fleetwire/provisioner/internal/job"
	"github.com/fleetwire/provisioner/internal/logger"
)

// ErrLockNotHeld is returned by Release when the token does not
// match the current holder (lock expired and was re-acquired by
// someone else, or was already released).
var ErrLockNotHeld = errors.New("state: lock not held")

// ErrNotFound is returned by GetJob/GetUnit when the key is absent.
var ErrNotFound = errors.New("state: not found")

// unlockScript atomically compares the lock's value against the
// caller's token before deleting it — the standard go-redis
// distributed-lock release idiom, so a lock that expired and was
// re-acquired by another holder is never deleted out from under them.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Manager is the Redis-backed state manager.
type Manager struct {
	client *redis.Client
	log    *logger.Logger
	jobTTL time.Duration
}

// New connects to Redis per cfg and verifies the connection.
func New(cfg config.RedisConfig, jobTTL time.Duration, log *logger.Logger) (*Manager, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("state: failed to parse Redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.DB
	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("state: failed to connect to Redis: %w", err)
	}

	if log == nil {
		log = logger.Default()
	}
	return &Manager{client: client, log: log, jobTTL: jobTTL}, nil
}

// NewFromClient wraps an already-constructed client (used by tests
// against miniredis, and by anything wiring a shared pool).
func NewFromClient(client *redis.Client, jobTTL time.Duration, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{client: client, log: log, jobTTL: jobTTL}
}

// Close closes the underlying Redis connection.
func (m *Manager) Close() error { return m.client.Close() }

// Health pings Redis.
func (m *Manager) Health(ctx context.Context) error { return m.client.Ping(ctx).Err() }

// ---- Job / unit persistence ----------------------------------------------

// SaveJob persists the whole job document, including a snapshot of its
// units, and refreshes its TTL and index membership. Each unit's current
// state also lives under its own key (SaveUnit), which GetJob overlays
// on the snapshot.
func (m *Manager) SaveJob(ctx context.Context, j *job.Job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("state: marshal job: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, jobKey(j.ID), payload, m.jobTTL)
	pipe.ZAdd(ctx, jobIndexKey(), redis.Z{Score: float64(j.CreatedAt.Unix()), Member: j.ID})
	if j.VenueID != "" {
		pipe.SAdd(ctx, jobsByVenueKey(j.VenueID), j.ID)
	}
	if j.Status.IsTerminal() {
		pipe.SRem(ctx, jobsActiveKey(), j.ID)
	} else {
		pipe.SAdd(ctx, jobsActiveKey(), j.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("state: save job: %w", err)
	}
	return nil
}

// GetJob loads the job document and overlays each unit's current state
// from its own key, so a caller always observes unit progress without
// waiting on the next whole-job save.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	payload, err := m.client.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get job: %w", err)
	}

	var j job.Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, fmt.Errorf("state: unmarshal job: %w", err)
	}

	for unitID := range j.Units {
		unit, err := m.GetUnit(ctx, jobID, unitID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		j.Units[unitID] = unit
	}
	return &j, nil
}

// SaveUnit persists a single unit's mapping independently of the rest
// of the job, so many units can advance concurrently without
// serializing on one shared blob.
func (m *Manager) SaveUnit(ctx context.Context, jobID string, u *job.UnitMapping) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("state: marshal unit: %w", err)
	}
	if err := m.client.Set(ctx, unitKey(jobID, u.UnitID), payload, m.jobTTL).Err(); err != nil {
		return fmt.Errorf("state: save unit: %w", err)
	}
	return nil
}

// GetUnit loads a single unit's mapping.
func (m *Manager) GetUnit(ctx context.Context, jobID, unitID string) (*job.UnitMapping, error) {
	payload, err := m.client.Get(ctx, unitKey(jobID, unitID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get unit: %w", err)
	}
	var u job.UnitMapping
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, fmt.Errorf("state: unmarshal unit: %w", err)
	}
	return &u, nil
}

// DeleteJob removes a job and all of its unit keys, for the retention
// sweep and the explicit DELETE /jobs endpoint.
func (m *Manager) DeleteJob(ctx context.Context, j *job.Job) error {
	keys := []string{jobKey(j.ID), jobLockKey(j.ID), cancelledKey(j.ID)}
	for unitID := range j.Units {
		keys = append(keys, unitKey(j.ID, unitID), unitLockKey(j.ID, unitID))
	}

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, jobIndexKey(), j.ID)
	pipe.SRem(ctx, jobsActiveKey(), j.ID)
	if j.VenueID != "" {
		pipe.SRem(ctx, jobsByVenueKey(j.VenueID), j.ID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ListJobIDs returns every indexed job id, oldest first.
func (m *Manager) ListJobIDs(ctx context.Context) ([]string, error) {
	return m.client.ZRange(ctx, jobIndexKey(), 0, -1).Result()
}

// ActiveJobIDs returns job ids that have not yet reached a terminal status.
func (m *Manager) ActiveJobIDs(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, jobsActiveKey()).Result()
}

// CleanupExpiredJobs scans the job index and drops any job whose
// primary key has already expired from Redis's own TTL, clearing the
// now-stale index and active-set entries it left behind. Its entry in
// the by-venue set is not removed. Returns the number removed.
func (m *Manager) CleanupExpiredJobs(ctx context.Context) (int, error) {
	ids, err := m.ListJobIDs(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		exists, err := m.client.Exists(ctx, jobKey(id)).Result()
		if err != nil {
			return removed, err
		}
		if exists > 0 {
			continue
		}
		pipe := m.client.TxPipeline()
		pipe.ZRem(ctx, jobIndexKey(), id)
		pipe.SRem(ctx, jobsActiveKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ---- Distributed locks -----------------------------------------------

// Lock represents a held distributed lock and the token required to
// release it.
type Lock struct {
	key   string
	token string
}

// AcquireJobLock blocks (spinning with backoff) until it holds the
// job-level lock or ctx is cancelled.
func (m *Manager) AcquireJobLock(ctx context.Context, jobID string, ttl time.Duration) (*Lock, error) {
	return m.acquire(ctx, jobLockKey(jobID), ttl)
}

// AcquireUnitLock blocks until it holds the unit-level lock or ctx is cancelled.
func (m *Manager) AcquireUnitLock(ctx context.Context, jobID, unitID string, ttl time.Duration) (*Lock, error) {
	return m.acquire(ctx, unitLockKey(jobID, unitID), ttl)
}

func (m *Manager) acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("state: generate lock token: %w", err)
	}

	backoff := 25 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond
	for {
		ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("state: acquire lock %s: %w", key, err)
		}
		if ok {
			return &Lock{key: key, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// Release releases the lock if this caller still holds it. Safe to
// call on an already-expired lock: the compare-then-delete script
// simply deletes nothing.
func (m *Manager) Release(ctx context.Context, l *Lock) error {
	res, err := m.client.Eval(ctx, unlockScript, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("state: release lock %s: %w", l.key, err)
	}
	if n, _ := res.(int64); n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ---- Cancellation -----------------------------------------------------

// SetCancelled marks a job cancelled. The flag expires after the same
// TTL as the job document.
func (m *Manager) SetCancelled(ctx context.Context, jobID string) error {
	return m.client.Set(ctx, cancelledKey(jobID), "1", m.jobTTL).Err()
}

// IsCancelled reports whether a job has been flagged for cancellation.
func (m *Manager) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := m.client.Exists(ctx, cancelledKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ---- Activity index -----------------------------------------------------

// TrackActivity records that an activity is pending for a job, for
// crash-recovery re-registration with the activity tracker.
func (m *Manager) TrackActivity(ctx context.Context, jobID, activityID string) error {
	return m.client.HSet(ctx, activitiesPendingKey(), activityID, jobID).Err()
}

// UntrackActivity removes an activity from the pending index once it resolves.
func (m *Manager) UntrackActivity(ctx context.Context, activityID string) error {
	return m.client.HDel(ctx, activitiesPendingKey(), activityID).Err()
}

// PendingActivities returns the full activityID -> jobID pending index.
// Server startup does not read it; the activity tracker is not re-armed
// from it after a restart.
func (m *Manager) PendingActivities(ctx context.Context) (map[string]string, error) {
	return m.client.HGetAll(ctx, activitiesPendingKey()).Result()
}

// ---- Pub/sub ------------------------------------------------------------

// Publish satisfies events.PubSub: publishes a raw payload to an
// arbitrary channel name (the events package decides job vs global).
func (m *Manager) Publish(ctx context.Context, channel string, payload []byte) error {
	return m.client.Publish(ctx, channel, payload).Err()
}

// Subscribe subscribes to a job's event channel, for the SSE handler.
func (m *Manager) Subscribe(ctx context.Context, jobID string) *redis.PubSub {
	return m.client.Subscribe(ctx, eventsJobChannel(jobID))
}

// SubscribeGlobal subscribes to the global events channel.
func (m *Manager) SubscribeGlobal(ctx context.Context) *redis.PubSub {
	return m.client.Subscribe(ctx, eventsGlobalChannel())
}

// ---- Resource tracking ----------------------------------------------------

// TrackResource appends a created-resource record to the job document
// under the job lock, satisfying phase.ResourceTracker.
func (m *Manager) TrackResource(ctx context.Context, jobID, resourceType string, data map[string]any) error {
	lock, err := m.AcquireJobLock(ctx, jobID, 5*time.Second)
	if err != nil {
		return fmt.Errorf("state: track resource: %w", err)
	}
	defer func() {
		if err := m.Release(ctx, lock); err != nil && !errors.Is(err, ErrLockNotHeld) {
			m.log.Warn("state: failed to release job lock after tracking resource", "error", err, "job_id", jobID)
		}
	}()

	j, err := m.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.CreatedResources == nil {
		j.CreatedResources = map[string][]job.CreatedResource{}
	}
	j.CreatedResources[resourceType] = append(j.CreatedResources[resourceType], job.CreatedResource{
		Type:      resourceType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
	return m.SaveJob(ctx, j)
}
