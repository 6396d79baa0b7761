// Package scorer is the scoring worker: it claims toxicity and embedding
// jobs from the coordinator over WebSocket, runs them against an inference
// backend and reports the results.
package scorer

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/taskmgr818/treeforge/internal/model"
	"go.uber.org/zap"
)

const jobQueueSize = 100

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "treeforge_scorer_jobs_total",
	Help: "Scoring jobs processed by this worker, by kind and result",
}, []string{"kind", "result"})

// Backend runs the models.
type Backend interface {
	Toxicity(ctx context.Context, model, text string) (label string, score float64, err error)
	Embedding(ctx context.Context, model, text string) ([]float64, error)
}

// Worker claims every announced job it has room for and processes it on a
// fixed pool of goroutines.
type Worker struct {
	nodeID    string
	signature string
	serverURL string
	workers   int
	backend   Backend
	conn      *Conn
	queue     chan *model.JobAssignment
	status    *Status
	log       *zap.Logger
	wg        sync.WaitGroup
}

// NewWorker creates a worker.
func NewWorker(nodeID, signature, serverURL string, workers int, backend Backend, log *zap.Logger) *Worker {
	return &Worker{
		nodeID:    nodeID,
		signature: signature,
		serverURL: serverURL,
		workers:   workers,
		backend:   backend,
		queue:     make(chan *model.JobAssignment, jobQueueSize),
		status:    NewStatus(nodeID, serverURL),
		log:       log.Named("scorer").With(zap.String("node_id", nodeID)),
	}
}

// Status returns the live statistics.
func (w *Worker) Status() *Status { return w.status }

// Start connects and launches the processors.
func (w *Worker) Start(ctx context.Context) error {
	w.conn = NewConn(ctx, w.serverURL, w.nodeID, w.signature, w, w.log)
	w.status.SetReconnectFunc(w.conn.Reconnect)

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.process(ctx)
	}
	if err := w.conn.Connect(); err != nil {
		return fmt.Errorf("websocket connect failed: %w", err)
	}
	return nil
}

// Stop waits for in-flight jobs and closes the connection. Cancel the
// Start context first.
func (w *Worker) Stop() error {
	close(w.queue)
	w.wg.Wait()
	return w.conn.Close()
}

// ─────────────────────────────────────────────
// Handler
// ─────────────────────────────────────────────

// OnScoreAnnouncement claims the job when the local queue has room.
func (w *Worker) OnScoreAnnouncement(_ context.Context, ann *model.ScoreAnnouncement) {
	if len(w.queue) >= cap(w.queue) {
		w.log.Debug("queue full, skipping announcement", zap.String("job_id", ann.JobID))
		return
	}
	if err := w.conn.SendFetchJob(ann.JobID); err != nil {
		w.log.Warn("send fetch job", zap.String("job_id", ann.JobID), zap.Error(err))
	}
}

// OnJobAssigned queues a claimed job.
func (w *Worker) OnJobAssigned(_ context.Context, job *model.JobAssignment) {
	select {
	case w.queue <- job:
	default:
		w.log.Warn("job queue full, dropping job", zap.String("job_id", job.JobID))
	}
}

// OnJobGone notes a job another worker claimed first.
func (w *Worker) OnJobGone(_ context.Context, jobID string) {
	w.log.Debug("job gone", zap.String("job_id", jobID))
}

func (w *Worker) OnConnected()    { w.status.SetConnected(true) }
func (w *Worker) OnDisconnected() { w.status.SetConnected(false) }

// ─────────────────────────────────────────────
// Processing
// ─────────────────────────────────────────────

func (w *Worker) process(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-w.queue:
			if !ok {
				return
			}
			w.handle(ctx, job)
		}
	}
}

func (w *Worker) handle(ctx context.Context, job *model.JobAssignment) {
	result := w.score(ctx, job)
	outcome := "ok"
	if !result.Success {
		outcome = "failed"
		w.log.Warn("scoring failed", zap.String("job_id", job.JobID), zap.String("error", result.Error))
	}
	jobsProcessed.WithLabelValues(string(job.Kind), outcome).Inc()
	w.status.RecordJob(job.Kind, result.Success)

	if err := w.conn.SendJobResult(result); err != nil {
		w.log.Warn("send job result", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

func (w *Worker) score(ctx context.Context, job *model.JobAssignment) *model.JobResult {
	result := &model.JobResult{JobID: job.JobID}
	var err error
	switch job.Kind {
	case model.ScoreKindToxicity:
		result.Label, result.Score, err = w.backend.Toxicity(ctx, job.Model, job.Text)
	case model.ScoreKindEmbedding:
		result.Embedding, err = w.backend.Embedding(ctx, job.Model, job.Text)
	default:
		err = fmt.Errorf("unknown score kind %q", job.Kind)
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}
