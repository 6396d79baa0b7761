// Package ws connects scoring workers to the job scheduler over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/taskmgr818/treeforge/internal/metrics"
	"github.com/taskmgr818/treeforge/internal/model"
	"github.com/taskmgr818/treeforge/internal/scheduler"
	"go.uber.org/zap"
)

// backlogAnnouncements bounds how many queued jobs a newly connected worker
// is told about.
const backlogAnnouncements = 50

// ResultSink persists scoring results. prompt.Repository implements it.
type ResultSink interface {
	InsertToxicity(ctx context.Context, messageID uuid.UUID, modelName string, score float64, label string) error
	InsertMessageEmbedding(ctx context.Context, messageID uuid.UUID, modelName string, embedding []float64) error
}

// JobLogger records job lifecycle rows asynchronously. store.Store
// implements it.
type JobLogger interface {
	LogJobCreated(job model.ScoreJob)
	LogJobCompleted(jobID, nodeID string, success bool, errMsg string)
}

// ─────────────────────────────────────────────
// Hub: manages all connected scoring workers
// ─────────────────────────────────────────────

// Hub maintains the set of active WebSocket clients and broadcasts job
// announcements to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // nodeID → Client
	sched   *scheduler.Scheduler
	sink    ResultSink
	jobs    JobLogger
	log     *zap.Logger
}

// NewHub creates a new Hub.
func NewHub(sched *scheduler.Scheduler, sink ResultSink, jobs JobLogger, log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		sched:   sched,
		sink:    sink,
		jobs:    jobs,
		log:     log.Named("hub"),
	}
}

// Register adds a client to the hub and tells it about the queued backlog.
func (h *Hub) Register(ctx context.Context, c *Client) {
	h.mu.Lock()
	if old, ok := h.clients[c.NodeID]; ok && old != c {
		h.log.Warn("node reconnected, replacing old connection", zap.String("node_id", c.NodeID))
	}
	h.clients[c.NodeID] = c
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ConnectedScorers.Set(float64(n))
	h.log.Info("node connected", zap.String("node_id", c.NodeID), zap.Int("total", n))

	backlog, err := h.sched.PendingJobs(ctx, backlogAnnouncements)
	if err != nil {
		h.log.Warn("list pending jobs", zap.Error(err))
		return
	}
	for i := range backlog {
		h.sendTo(c, model.Envelope{Type: model.MsgTypeScoreAnnouncement, Payload: &backlog[i]})
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if h.clients[c.NodeID] == c {
		delete(h.clients, c.NodeID)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ConnectedScorers.Set(float64(n))
	h.log.Info("node disconnected", zap.String("node_id", c.NodeID), zap.Int("total", n))
}

// ClientCount returns the number of connected nodes.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues a scoring job and announces it. A job collapsed into one
// already in flight is not announced again.
func (h *Hub) Publish(ctx context.Context, job model.ScoreJob) (string, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	jobID, created, err := h.sched.PublishJob(ctx, job)
	if err != nil {
		return "", err
	}
	if !created {
		return jobID, nil
	}
	job.Status = model.ScoreJobPending
	h.jobs.LogJobCreated(job)

	queueLen, err := h.sched.PendingQueueLen(ctx)
	if err != nil {
		h.log.Warn("queue length", zap.Error(err))
	}
	h.Broadcast(&model.ScoreAnnouncement{JobID: jobID, Kind: job.Kind, QueueLen: int(queueLen)})
	return jobID, nil
}

// ReclaimExpired re-queues jobs whose worker lease is running out and
// announces them again. It returns how many were reclaimed.
func (h *Hub) ReclaimExpired(ctx context.Context) (int, error) {
	ids, err := h.sched.ReclaimExpired(ctx)
	if err != nil || len(ids) == 0 {
		return len(ids), err
	}
	reclaimed := make(map[string]bool, len(ids))
	for _, id := range ids {
		reclaimed[id] = true
	}
	pending, err := h.sched.PendingJobs(ctx, backlogAnnouncements)
	if err != nil {
		return len(ids), err
	}
	for i := range pending {
		if reclaimed[pending[i].JobID] {
			h.Broadcast(&pending[i])
		}
	}
	h.log.Info("reclaimed stale scoring jobs", zap.Int("count", len(ids)))
	return len(ids), nil
}

// Broadcast sends a job announcement to all connected nodes.
func (h *Hub) Broadcast(ann *model.ScoreAnnouncement) {
	data, err := json.Marshal(model.Envelope{Type: model.MsgTypeScoreAnnouncement, Payload: ann})
	if err != nil {
		h.log.Error("marshal announcement", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if err := c.enqueueRaw(data); err != nil {
			h.log.Warn("dropping announcement", zap.String("node_id", c.NodeID), zap.Error(err))
		}
	}
	h.log.Debug("broadcast announcement", zap.String("job_id", ann.JobID), zap.Int("nodes", len(h.clients)))
}

// HandleFetchJob processes a FETCH_JOB request from a worker node.
func (h *Hub) HandleFetchJob(ctx context.Context, c *Client, req *model.FetchJobRequest) {
	assignment, err := h.sched.FetchJob(ctx, req.JobID, c.NodeID)
	if err != nil {
		h.log.Error("fetch job", zap.String("job_id", req.JobID), zap.Error(err))
		return
	}
	if assignment == nil {
		h.sendTo(c, model.Envelope{Type: model.MsgTypeJobGone, Payload: map[string]string{"job_id": req.JobID}})
		return
	}
	h.sendTo(c, model.Envelope{Type: model.MsgTypeJobAssigned, Payload: assignment})
}

// HandleJobResult closes the job and persists a successful result. Results
// for jobs the worker no longer holds are dropped.
func (h *Hub) HandleJobResult(ctx context.Context, c *Client, res *model.JobResult) {
	log := h.log.With(zap.String("job_id", res.JobID), zap.String("node_id", c.NodeID))

	job, err := h.sched.CompleteJob(ctx, res.JobID, c.NodeID)
	if err != nil {
		if errors.Is(err, scheduler.ErrNodeMismatch) || errors.Is(err, scheduler.ErrJobNotActive) {
			log.Warn("stale job result", zap.Error(err))
			return
		}
		log.Error("complete job", zap.Error(err))
		return
	}

	errMsg := res.Error
	if res.Success {
		if err := h.persist(ctx, job, res); err != nil {
			log.Error("persist score", zap.Error(err))
			errMsg = err.Error()
			res.Success = false
		}
	}
	if !res.Success {
		metrics.ScoreJobs.WithLabelValues(string(job.Kind), "failed").Inc()
		log.Warn("scoring failed", zap.String("error", errMsg))
	}
	h.jobs.LogJobCompleted(res.JobID, c.NodeID, res.Success, errMsg)
}

func (h *Hub) persist(ctx context.Context, job *model.ScoreJob, res *model.JobResult) error {
	switch job.Kind {
	case model.ScoreKindToxicity:
		return h.sink.InsertToxicity(ctx, job.MessageID, job.Model, res.Score, res.Label)
	case model.ScoreKindEmbedding:
		return h.sink.InsertMessageEmbedding(ctx, job.MessageID, job.Model, res.Embedding)
	}
	return errors.New("unknown score kind " + string(job.Kind))
}

func (h *Hub) sendTo(c *Client, env model.Envelope) {
	if err := c.Enqueue(env); err != nil {
		h.log.Warn("send to node", zap.String("node_id", c.NodeID), zap.String("type", string(env.Type)), zap.Error(err))
	}
}
