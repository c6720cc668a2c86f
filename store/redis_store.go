package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"leadflow/models"
)

// StateStore is the durable persistence boundary for sequence state and
// scheduler jobs. Any KV store with TTL support and atomic per-key set/get
// qualifies; the shipped implementation is Redis.
type StateStore interface {
	GetState(ctx context.Context, leadID string) (*models.SequenceState, error)
	SaveState(ctx context.Context, state *models.SequenceState) error
	DeleteState(ctx context.Context, leadID string) error

	AddActive(ctx context.Context, leadID string) error
	RemoveActive(ctx context.Context, leadID string) error
	ActiveLeadIDs(ctx context.Context) ([]string, error)

	SaveJob(ctx context.Context, job *models.ScheduledJob) error
	GetJob(ctx context.Context, jobID string) (*models.ScheduledJob, error)
	DeleteJob(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context) ([]*models.ScheduledJob, error)
	LeadJobs(ctx context.Context, leadID string) ([]*models.ScheduledJob, error)
}

const (
	stateKeyPrefix = "sequence:state:"
	activeSetKey   = "sequence:active"
	jobsHashKey    = "scheduler:jobs"

	// DefaultStateTTL is the retention window for sequence records.
	DefaultStateTTL = 90 * 24 * time.Hour
)

// RedisStore persists sequence state as JSON records with a rolling TTL,
// keeps the active-lead index in a set, and scheduler jobs in a hash.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func stateKey(leadID string) string {
	return stateKeyPrefix + leadID
}

// GetState returns (nil, nil) when no record exists for the lead.
func (rs *RedisStore) GetState(ctx context.Context, leadID string) (*models.SequenceState, error) {
	val, err := rs.client.Get(ctx, stateKey(leadID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state for lead %s: %w", leadID, err)
	}
	var state models.SequenceState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, fmt.Errorf("corrupt state record for lead %s: %w", leadID, err)
	}
	return &state, nil
}

// SaveState writes the full record and extends the retention TTL.
func (rs *RedisStore) SaveState(ctx context.Context, state *models.SequenceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state for lead %s: %w", state.LeadID, err)
	}
	if err := rs.client.Set(ctx, stateKey(state.LeadID), data, rs.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save state for lead %s: %w", state.LeadID, err)
	}
	return nil
}

func (rs *RedisStore) DeleteState(ctx context.Context, leadID string) error {
	return rs.client.Del(ctx, stateKey(leadID)).Err()
}

func (rs *RedisStore) AddActive(ctx context.Context, leadID string) error {
	return rs.client.SAdd(ctx, activeSetKey, leadID).Err()
}

func (rs *RedisStore) RemoveActive(ctx context.Context, leadID string) error {
	return rs.client.SRem(ctx, activeSetKey, leadID).Err()
}

func (rs *RedisStore) ActiveLeadIDs(ctx context.Context) ([]string, error) {
	return rs.client.SMembers(ctx, activeSetKey).Result()
}

// SaveJob upserts the job under its deterministic ID. Replacing an
// existing job with the same ID is the idempotence contract re-scheduling
// relies on.
func (rs *RedisStore) SaveJob(ctx context.Context, job *models.ScheduledJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.JobID, err)
	}
	if err := rs.client.HSet(ctx, jobsHashKey, job.JobID, data).Err(); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.JobID, err)
	}
	return nil
}

// GetJob returns (nil, nil) when the job does not exist.
func (rs *RedisStore) GetJob(ctx context.Context, jobID string) (*models.ScheduledJob, error) {
	val, err := rs.client.HGet(ctx, jobsHashKey, jobID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	var job models.ScheduledJob
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return nil, fmt.Errorf("corrupt job record %s: %w", jobID, err)
	}
	return &job, nil
}

func (rs *RedisStore) DeleteJob(ctx context.Context, jobID string) error {
	return rs.client.HDel(ctx, jobsHashKey, jobID).Err()
}

func (rs *RedisStore) ListJobs(ctx context.Context) ([]*models.ScheduledJob, error) {
	raw, err := rs.client.HGetAll(ctx, jobsHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs := make([]*models.ScheduledJob, 0, len(raw))
	for id, val := range raw {
		var job models.ScheduledJob
		if err := json.Unmarshal([]byte(val), &job); err != nil {
			return nil, fmt.Errorf("corrupt job record %s: %w", id, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// LeadJobs returns all persisted jobs belonging to one lead.
func (rs *RedisStore) LeadJobs(ctx context.Context, leadID string) ([]*models.ScheduledJob, error) {
	all, err := rs.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	var jobs []*models.ScheduledJob
	for _, job := range all {
		if job.LeadID == leadID {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}
