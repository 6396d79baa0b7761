package store

import (
	"context"
	"fmt"
	"time"

	"github.com/taskmgr818/treeforge/internal/auth"
	"github.com/taskmgr818/treeforge/internal/config"
	"github.com/taskmgr818/treeforge/internal/credit"
	"github.com/taskmgr818/treeforge/internal/model"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store provides SQL persistence via GORM.
type Store struct {
	db    *gorm.DB
	log   *zap.Logger
	logCh chan func() // buffered channel for async job log writes
}

// Open connects to the configured database and returns a migrated Store.
func Open(cfg *config.Config, log *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DBPath)
	default:
		dialector = postgres.Open(cfg.DSN())
	}
	db, err := gorm.Open(dialector, GormConfig())
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.DBDriver == "sqlite" {
		// single writer
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return New(db, log)
}

// GormConfig is shared by every dialector: unique violations surface as
// gorm.ErrDuplicatedKey and timestamps are UTC.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}

// New auto-migrates schemas on db and starts the background log writer.
func New(db *gorm.DB, log *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(
		&model.Message{},
		&model.MessageTreeState{},
		&model.Task{},
		&model.TextLabels{},
		&model.MessageLabel{},
		&model.MessageRanking{},
		&model.MessageToxicity{},
		&model.MessageEmbedding{},
		&model.ScoreJobLog{},
		&auth.APIClient{},
		&auth.User{},
		&credit.Account{},
		&credit.Entry{},
	); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	s := &Store{
		db:    db,
		log:   log.Named("store"),
		logCh: make(chan func(), 1024),
	}

	go s.writeWorker()

	return s, nil
}

func (s *Store) writeWorker() {
	for fn := range s.logCh {
		fn()
	}
}

// DB returns the underlying GORM database instance.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Tx runs fn inside one transaction: commit when fn returns nil, roll back
// otherwise.
func (s *Store) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ─────────────────────────────────────────────
// Async write helpers
// ─────────────────────────────────────────────

// LogJobCreated records a newly published scoring job.
func (s *Store) LogJobCreated(job model.ScoreJob) {
	s.enqueue(func() {
		row := model.ScoreJobLog{
			JobID:     job.JobID,
			MessageID: job.MessageID,
			Kind:      job.Kind,
			Model:     job.Model,
			Status:    model.ScoreJobPending,
			CreatedAt: job.CreatedAt,
		}
		if err := s.db.Create(&row).Error; err != nil {
			s.log.Warn("log job created", zap.String("job_id", job.JobID), zap.Error(err))
		}
	})
}

// LogJobCompleted updates the job log with the worker's outcome.
func (s *Store) LogJobCompleted(jobID, nodeID string, success bool, errMsg string) {
	s.enqueue(func() {
		now := time.Now().UTC()
		err := s.db.Model(&model.ScoreJobLog{}).
			Where("job_id = ?", jobID).
			Updates(map[string]interface{}{
				"status":      model.ScoreJobCompleted,
				"node_id":     nodeID,
				"success":     success,
				"error":       errMsg,
				"finished_at": &now,
			}).Error
		if err != nil {
			s.log.Warn("log job completed", zap.String("job_id", jobID), zap.Error(err))
		}
	})
}

// enqueue drops the write when the buffer is full rather than blocking the
// request path.
func (s *Store) enqueue(fn func()) {
	select {
	case s.logCh <- fn:
	default:
		s.log.Warn("job log buffer full, dropping write")
	}
}
