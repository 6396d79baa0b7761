package driver

import (
	"context"
	"errors"
	"time"

	"github.com/taskmgr818/treeforge/internal/auth"
	"github.com/taskmgr818/treeforge/internal/config"
	"github.com/taskmgr818/treeforge/internal/model"
	"github.com/taskmgr818/treeforge/internal/service"
	"github.com/taskmgr818/treeforge/internal/store"
	"github.com/taskmgr818/treeforge/internal/task"
	"github.com/taskmgr818/treeforge/internal/tree"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Identities the automated workers submit under.
var (
	LabelBot = model.UserRef{ID: "__label_bot__", AuthMethod: "local", DisplayName: "label_bot"}
	ReplyBot = model.UserRef{ID: "__openai_bot__", AuthMethod: "local", DisplayName: "GPT"}
)

// Maintenance expires stale tasks, cancels tasks of disabled users and halts
// their pending initial prompts, all in one transaction.
func Maintenance(st *store.Store, tasks *task.Repository, trees *tree.Manager, interval time.Duration) Job {
	return Job{
		Name:     "maintenance",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			total := 0
			err := st.Tx(ctx, func(tx *gorm.DB) error {
				tr := tasks.WithDB(tx)
				expired, err := tr.ExpireStale(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				cancelled, err := tr.HaltTasksForDisabledUsers(ctx)
				if err != nil {
					return err
				}
				halted, err := trees.WithDB(tx).HaltPromptsOfDisabledUsers(ctx)
				if err != nil {
					return err
				}
				total = int(expired) + int(cancelled) + halted
				return nil
			})
			return total, err
		},
	}
}

// RetryScoring re-runs aggregation for SCORING_FAILED trees.
func RetryScoring(trees *tree.Manager, interval time.Duration) Job {
	return Job{
		Name:     "retry_scoring",
		Interval: interval,
		Run:      trees.RetryScoringFailedMessageTrees,
	}
}

// Streaks advances daily streaks relative to startedAt.
func Streaks(users auth.UserService, startedAt time.Time, interval time.Duration) Job {
	return Job{
		Name:     "streaks",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			n, err := users.UpdateStreaks(ctx, time.Now().UTC(), startedAt)
			return int(n), err
		},
	}
}

// Reclaimer re-queues scoring jobs whose worker went quiet. ws.Hub
// implements it.
type Reclaimer interface {
	ReclaimExpired(ctx context.Context) (int, error)
}

// LeaseWatchdog reclaims scoring jobs with expiring leases.
func LeaseWatchdog(r Reclaimer, interval time.Duration) Job {
	return Job{
		Name:     "lease_watchdog",
		Interval: interval,
		Run:      r.ReclaimExpired,
	}
}

// BotLabels is the verdict the label bot gives: full marks on the acceptance
// label, zero on everything else.
func BotLabels(cfg config.TreeManagerConfig) map[string]float64 {
	labels := make(map[string]float64, len(cfg.ValidLabels))
	for _, l := range cfg.ValidLabels {
		labels[l] = 0
	}
	if cfg.AcceptanceLabel != "" {
		labels[cfg.AcceptanceLabel] = 1
	}
	return labels
}

// AutoLabel reviews initial prompts in lang as LabelBot.
func AutoLabel(wf *service.Workflow, client *auth.APIClient, lang string, labels map[string]float64,
	interval time.Duration, log *zap.Logger) Job {
	log = log.Named("label_bot")
	return Job{
		Name:     "auto_label",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			prompts, err := wf.PromptsNeedReview(ctx, lang)
			if err != nil || prompts == nil {
				return 0, err
			}
			labeled := 0
			for i := range prompts {
				msg := &prompts[i]
				_, err := wf.LabelAs(ctx, client, LabelBot, msg, labels)
				switch {
				case err == nil:
					labeled++
				case errors.Is(err, tree.ErrNoTaskAvailable), errors.Is(err, task.ErrConflict):
					log.Debug("prompt not labelable now", zap.String("message_id", msg.ID.String()), zap.Error(err))
				default:
					log.Warn("label prompt", zap.String("message_id", msg.ID.String()), zap.Error(err))
				}
			}
			return labeled, nil
		},
	}
}

// AutoReply drafts up to max assistant replies in lang as ReplyBot.
func AutoReply(wf *service.Workflow, client *auth.APIClient, composer service.Composer, lang string, max int,
	interval time.Duration) Job {
	return Job{
		Name:     "auto_reply",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			n := 0
			for n < max {
				_, err := wf.ReplyAs(ctx, client, ReplyBot, lang, composer)
				if errors.Is(err, tree.ErrNoTaskAvailable) {
					return n, nil
				}
				if err != nil {
					return n, err
				}
				n++
			}
			return n, nil
		},
	}
}
