// Package scheduler hands scoring jobs to remote workers through Redis:
// collapsing duplicate requests, leasing claimed jobs and reclaiming jobs
// whose worker went quiet.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/taskmgr818/treeforge/internal/metrics"
	"github.com/taskmgr818/treeforge/internal/model"
	"go.uber.org/zap"
)

var (
	ErrNodeMismatch = errors.New("job reassigned to another worker")
	ErrJobNotActive = errors.New("job is not being processed")
)

// reclaimScanLimit bounds one watchdog pass over the pending queue.
const reclaimScanLimit = 100

// Scheduler manages scoring job lifecycle via Redis.
type Scheduler struct {
	rdb      *redis.Client
	leaseTTL time.Duration
	log      *zap.Logger

	fetchScript    *redis.Script
	completeScript *redis.Script
	publishScript  *redis.Script
	reclaimScript  *redis.Script
}

// NewScheduler initialises the scheduler and loads Lua scripts.
func NewScheduler(rdb *redis.Client, leaseTTL time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		rdb:            rdb,
		leaseTTL:       leaseTTL,
		log:            log.Named("scheduler"),
		fetchScript:    redis.NewScript(LuaFetchJob),
		completeScript: redis.NewScript(LuaCompleteJob),
		publishScript:  redis.NewScript(LuaPublishJob),
		reclaimScript:  redis.NewScript(LuaReclaimJob),
	}
}

func (s *Scheduler) leaseSeconds() int {
	secs := int(s.leaseTTL.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ─────────────────────────────────────────────
// Public API
// ─────────────────────────────────────────────

// PublishJob creates a new job or collapses into the one already in flight
// for the same message and kind. It returns the effective job ID and whether
// it was newly created.
func (s *Scheduler) PublishJob(ctx context.Context, job model.ScoreJob) (string, bool, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	keys := []string{
		model.JobKey(job.JobID),
		model.CollapsingKey(job.MessageID, job.Kind),
		model.PendingQueueKey,
	}
	args := []interface{}{job.JobID, job.MessageID.String(), string(job.Kind), job.Model, job.Text, s.leaseSeconds()}

	result, err := s.publishScript.Run(ctx, s.rdb, keys, args...).Text()
	if err != nil {
		return "", false, fmt.Errorf("publish job lua: %w", err)
	}
	if result == "CREATED" {
		metrics.ScoreJobs.WithLabelValues(string(job.Kind), "published").Inc()
		return job.JobID, true, nil
	}
	metrics.ScoreJobs.WithLabelValues(string(job.Kind), "collapsed").Inc()
	return result, false, nil
}

// FetchJob lets a worker attempt to claim a pending job. A nil assignment
// means the job is gone.
func (s *Scheduler) FetchJob(ctx context.Context, jobID, nodeID string) (*model.JobAssignment, error) {
	keys := []string{model.JobKey(jobID)}
	args := []interface{}{nodeID, s.leaseSeconds()}

	vals, err := s.fetchScript.Run(ctx, s.rdb, keys, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("fetch job lua: %w", err)
	}
	if len(vals) < 5 || vals[0] != "OK" {
		return nil, nil
	}

	msgID, err := uuid.Parse(vals[1])
	if err != nil {
		return nil, fmt.Errorf("job %s: bad message id: %w", jobID, err)
	}
	metrics.ScoreJobs.WithLabelValues(vals[2], "claimed").Inc()
	return &model.JobAssignment{
		JobID:     jobID,
		MessageID: msgID,
		Kind:      model.ScoreKind(vals[2]),
		Model:     vals[3],
		Text:      vals[4],
	}, nil
}

// CompleteJob closes a job claimed by nodeID and returns what it was about,
// so the caller can persist the result.
func (s *Scheduler) CompleteJob(ctx context.Context, jobID, nodeID string) (*model.ScoreJob, error) {
	jobKey := model.JobKey(jobID)
	fields, err := s.rdb.HMGet(ctx, jobKey, "message_id", "kind").Result()
	if err != nil {
		return nil, fmt.Errorf("get job metadata: %w", err)
	}
	msgStr, _ := fields[0].(string)
	kind, _ := fields[1].(string)
	msgID, err := uuid.Parse(msgStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotActive, jobID)
	}

	keys := []string{jobKey, model.CollapsingKey(msgID, model.ScoreKind(kind)), model.PendingQueueKey}
	vals, err := s.completeScript.Run(ctx, s.rdb, keys, nodeID).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("complete job lua: %w", err)
	}
	switch {
	case len(vals) == 0:
		return nil, fmt.Errorf("complete job: empty reply")
	case vals[0] == "NODE_MISMATCH":
		return nil, ErrNodeMismatch
	case vals[0] != "OK" || len(vals) < 4:
		return nil, fmt.Errorf("%w: %s", ErrJobNotActive, jobID)
	}
	metrics.ScoreJobs.WithLabelValues(kind, "completed").Inc()
	return &model.ScoreJob{
		JobID:     jobID,
		MessageID: msgID,
		Kind:      model.ScoreKind(vals[2]),
		Model:     vals[3],
		Status:    model.ScoreJobCompleted,
		NodeID:    nodeID,
	}, nil
}

// PendingJobs returns up to limit job IDs still waiting in the queue, oldest
// first, with their kind.
func (s *Scheduler) PendingJobs(ctx context.Context, limit int64) ([]model.ScoreAnnouncement, error) {
	ids, err := s.rdb.LRange(ctx, model.PendingQueueKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.ScoreAnnouncement, 0, len(ids))
	for _, id := range ids {
		fields, err := s.rdb.HMGet(ctx, model.JobKey(id), "status", "kind").Result()
		if err != nil {
			return nil, err
		}
		if status, _ := fields[0].(string); status != string(model.ScoreJobPending) {
			continue
		}
		kind, _ := fields[1].(string)
		out = append(out, model.ScoreAnnouncement{JobID: id, Kind: model.ScoreKind(kind), QueueLen: len(ids)})
	}
	return out, nil
}

// PendingQueueLen returns the current length of the pending queue.
func (s *Scheduler) PendingQueueLen(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, model.PendingQueueKey).Result()
}

// ─────────────────────────────────────────────
// Lease Watchdog
// ─────────────────────────────────────────────

// ReclaimExpired scans the head of the pending queue. Entries whose job hash
// is gone are dropped; PROCESSING jobs with less than half their lease left
// are reset to PENDING and re-enqueued. It returns the reclaimed job IDs.
func (s *Scheduler) ReclaimExpired(ctx context.Context) ([]string, error) {
	queueLen, err := s.rdb.LLen(ctx, model.PendingQueueKey).Result()
	if err != nil || queueLen == 0 {
		return nil, err
	}
	limit := queueLen
	if limit > reclaimScanLimit {
		limit = reclaimScanLimit
	}
	ids, err := s.rdb.LRange(ctx, model.PendingQueueKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	leaseTTL := s.leaseSeconds()
	threshold := time.Duration(leaseTTL) * time.Second / 2

	var reclaimed []string
	for _, jobID := range ids {
		jobKey := model.JobKey(jobID)

		pipe := s.rdb.Pipeline()
		ttlCmd := pipe.TTL(ctx, jobKey)
		fieldsCmd := pipe.HMGet(ctx, jobKey, "status", "message_id", "kind")
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return reclaimed, err
		}
		fields := fieldsCmd.Val()
		status, _ := fields[0].(string)
		if status == "" {
			s.rdb.LRem(ctx, model.PendingQueueKey, 1, jobID)
			s.log.Info("dropped expired job from queue", zap.String("job_id", jobID))
			continue
		}

		ttl := ttlCmd.Val()
		if status != string(model.ScoreJobProcessing) || ttl <= 0 || ttl >= threshold {
			continue
		}
		msgStr, _ := fields[1].(string)
		kind, _ := fields[2].(string)
		msgID, err := uuid.Parse(msgStr)
		if err != nil {
			continue
		}

		keys := []string{jobKey, model.CollapsingKey(msgID, model.ScoreKind(kind)), model.PendingQueueKey}
		result, err := s.reclaimScript.Run(ctx, s.rdb, keys, leaseTTL).Text()
		if err != nil {
			s.log.Warn("reclaim job", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		if result == "RECLAIMED" {
			metrics.ScoreJobs.WithLabelValues(kind, "reclaimed").Inc()
			s.log.Info("reclaimed stuck job", zap.String("job_id", jobID), zap.Duration("ttl", ttl))
			reclaimed = append(reclaimed, jobID)
		}
	}
	return reclaimed, nil
}
