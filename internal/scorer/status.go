package scorer

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/taskmgr818/treeforge/internal/model"
	"go.uber.org/zap"
)

// Stats is a snapshot of the worker's counters.
type Stats struct {
	Connected      bool      `json:"connected"`
	ConnectedSince time.Time `json:"connected_since,omitempty"`
	LastDisconnect time.Time `json:"last_disconnect,omitempty"`

	JobsCompleted int                     `json:"jobs_completed"`
	JobsFailed    int                     `json:"jobs_failed"`
	ByKind        map[model.ScoreKind]int `json:"by_kind"`

	NodeID    string    `json:"node_id"`
	StartTime time.Time `json:"start_time"`
	ServerURL string    `json:"server_url"`
}

// Status tracks worker statistics and serves them over HTTP.
type Status struct {
	mu            sync.RWMutex
	stats         Stats
	reconnectFunc func() error
}

// NewStatus creates an empty Status.
func NewStatus(nodeID, serverURL string) *Status {
	return &Status{stats: Stats{
		NodeID:    nodeID,
		ServerURL: serverURL,
		StartTime: time.Now(),
		ByKind:    make(map[model.ScoreKind]int),
	}}
}

func (s *Status) SetReconnectFunc(f func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectFunc = f
}

func (s *Status) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Connected = connected
	if connected {
		s.stats.ConnectedSince = time.Now()
	} else {
		s.stats.LastDisconnect = time.Now()
	}
}

func (s *Status) RecordJob(kind model.ScoreKind, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !success {
		s.stats.JobsFailed++
		return
	}
	s.stats.JobsCompleted++
	s.stats.ByKind[kind]++
}

// Snapshot returns a copy of the counters.
func (s *Status) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.stats
	out.ByKind = make(map[model.ScoreKind]int, len(s.stats.ByKind))
	for k, v := range s.stats.ByKind {
		out.ByKind[k] = v
	}
	return out
}

// Routes returns the status API: GET /api/stats, POST /api/reconnect and
// GET /metrics.
func (s *Status) Routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Snapshot())
	})
	r.POST("/api/reconnect", func(c *gin.Context) {
		s.mu.RLock()
		f := s.reconnectFunc
		s.mu.RUnlock()
		if f == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not started"})
			return
		}
		if err := f(); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Serve runs the status server until ctx is cancelled.
func (s *Status) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	server := &http.Server{Addr: addr, Handler: s.Routes()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("status server listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
