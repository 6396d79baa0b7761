package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application-level settings.
type Config struct {
	// Server
	ServerAddr  string `yaml:"server_addr"`
	Development bool   `yaml:"development"` // zap development logger + gin debug mode

	// Redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Database: "postgres" (default) or "sqlite" for local development
	DBDriver   string `yaml:"db_driver"`
	DBPath     string `yaml:"db_path"` // sqlite file
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_sslmode"`

	// Scoring job queue
	ScoreLeaseTTL   time.Duration `yaml:"score_lease_ttl"`   // lease timeout for claimed scoring jobs
	ToxicityModel   string        `yaml:"toxicity_model"`    // model name attached to toxicity rows
	EmbeddingModel  string        `yaml:"embedding_model"`   // model name attached to embedding rows
	ScoringDisabled bool          `yaml:"scoring_disabled"`  // skip publishing scoring jobs
	NodeVerifyKeys  []string      `yaml:"node_verify_keys"` // ED25519 public keys (Base64) for scoring workers

	// API clients
	OfficialWebAPIKey string `yaml:"official_web_api_key"` // bootstrapped trusted client used by drivers
	AdminToken        string `yaml:"admin_token"`          // Bearer token for admin API access

	// OpenAI auto-reply
	OpenAIAPIKey string `yaml:"openai_api_key"`
	OpenAIModel  string `yaml:"openai_model"`

	TreeManager TreeManagerConfig `yaml:"tree_manager"`
	Drivers     DriversConfig     `yaml:"drivers"`
}

// TreeManagerConfig tunes the lifecycle state machine and task issuance.
type TreeManagerConfig struct {
	TaskTTL time.Duration `yaml:"task_ttl"` // claim lifetime for issued tasks

	NumReviewsInitialPrompt int `yaml:"num_reviews_initial_prompt"`
	NumReviewsReply         int `yaml:"num_reviews_reply"`
	NumRequiredRankings     int `yaml:"num_required_rankings"`
	MaxChildrenCount        int `yaml:"max_children_count"` // breadth target per open node
	MaxTreeDepth            int `yaml:"max_tree_depth"`
	GoalTreeSize            int `yaml:"goal_tree_size"`

	AcceptanceThreshold float64  `yaml:"acceptance_threshold"` // minimum mean of the acceptance label
	RejectionThreshold  float64  `yaml:"rejection_threshold"`  // a rejection label mean at or above this rejects
	AcceptanceLabel     string   `yaml:"acceptance_label"`
	RejectionLabels     []string `yaml:"rejection_labels"`
	MandatoryLabels     []string `yaml:"mandatory_labels"`
	ValidLabels         []string `yaml:"valid_labels"`

	ScoringAttempts    int `yaml:"scoring_attempts"`     // attempts inside one aggregation call
	ScoringRetryBudget int `yaml:"scoring_retry_budget"` // retry sweeps before escalation

	CandidateLimit int `yaml:"candidate_limit"` // max candidates examined per task request
}

// DriversConfig sets the cadence of background jobs.
type DriversConfig struct {
	MaintenanceInterval   time.Duration `yaml:"maintenance_interval"`
	RetryScoringInterval  time.Duration `yaml:"retry_scoring_interval"`
	StreakInterval        time.Duration `yaml:"streak_interval"`
	AutoLabelInterval     time.Duration `yaml:"auto_label_interval"` // 0 disables the label bot
	AutoLabelLang         string        `yaml:"auto_label_lang"`
	AutoReplyInterval     time.Duration `yaml:"auto_reply_interval"` // 0 disables the OpenAI replier
	AutoReplyLang         string        `yaml:"auto_reply_lang"`
	AutoReplyMaxPerRun    int           `yaml:"auto_reply_max_per_run"`
	LeaseWatchdogInterval time.Duration `yaml:"lease_watchdog_interval"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ServerAddr:     ":8080",
		RedisAddr:      "localhost:6379",
		DBDriver:       "postgres",
		DBPath:         "treeforge.db",
		DBHost:         "localhost",
		DBPort:         "5432",
		DBUser:         "postgres",
		DBPassword:     "postgres",
		DBName:         "treeforge",
		DBSSLMode:      "disable",
		ScoreLeaseTTL:  2 * time.Minute,
		ToxicityModel:  "unitary/multilingual-toxic-xlm-roberta",
		EmbeddingModel: "sentence-transformers/all-MiniLM-L6-v2",
		OpenAIModel:    "gpt-3.5-turbo",
		TreeManager: TreeManagerConfig{
			TaskTTL:                 48 * time.Hour,
			NumReviewsInitialPrompt: 3,
			NumReviewsReply:         3,
			NumRequiredRankings:     3,
			MaxChildrenCount:        3,
			MaxTreeDepth:            3,
			GoalTreeSize:            12,
			AcceptanceThreshold:     0.6,
			RejectionThreshold:      0.5,
			AcceptanceLabel:         "quality",
			RejectionLabels:         []string{"spam", "lang_mismatch", "not_appropriate", "pii", "hate_speech", "sexual_content"},
			MandatoryLabels:         []string{"spam"},
			ValidLabels: []string{
				"spam", "lang_mismatch", "quality", "creativity", "humor", "toxicity",
				"violence", "not_appropriate", "pii", "hate_speech", "sexual_content",
			},
			ScoringAttempts:    3,
			ScoringRetryBudget: 5,
			CandidateLimit:     50,
		},
		Drivers: DriversConfig{
			MaintenanceInterval:   time.Hour,
			RetryScoringInterval:  15 * time.Minute,
			StreakInterval:        time.Hour,
			AutoLabelLang:         "ko",
			AutoReplyLang:         "ko",
			AutoReplyMaxPerRun:    10,
			LeaseWatchdogInterval: 30 * time.Second,
		},
	}
}

// Load reads the optional YAML file at path (empty path skips it) and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ServerAddr = envOr("SERVER_ADDR", c.ServerAddr)
	c.Development = envBoolOr("DEVELOPMENT", c.Development)
	c.RedisAddr = envOr("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = envOr("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = envIntOr("REDIS_DB", c.RedisDB)
	c.DBDriver = envOr("DB_DRIVER", c.DBDriver)
	c.DBPath = envOr("DB_PATH", c.DBPath)
	c.DBHost = envOr("DB_HOST", c.DBHost)
	c.DBPort = envOr("DB_PORT", c.DBPort)
	c.DBUser = envOr("DB_USER", c.DBUser)
	c.DBPassword = envOr("DB_PASSWORD", c.DBPassword)
	c.DBName = envOr("DB_NAME", c.DBName)
	c.DBSSLMode = envOr("DB_SSLMODE", c.DBSSLMode)
	c.ScoreLeaseTTL = envDurationOr("SCORE_LEASE_TTL", c.ScoreLeaseTTL)
	c.ToxicityModel = envOr("TOXICITY_MODEL", c.ToxicityModel)
	c.EmbeddingModel = envOr("EMBEDDING_MODEL", c.EmbeddingModel)
	c.ScoringDisabled = envBoolOr("SCORING_DISABLED", c.ScoringDisabled)
	if v := os.Getenv("NODE_VERIFY_KEYS"); v != "" {
		c.NodeVerifyKeys = strings.Split(v, ",")
	}
	c.OfficialWebAPIKey = envOr("OFFICIAL_WEB_API_KEY", c.OfficialWebAPIKey)
	c.AdminToken = envOr("ADMIN_TOKEN", c.AdminToken)
	c.OpenAIAPIKey = envOr("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIModel = envOr("OPENAI_MODEL", c.OpenAIModel)

	tm := &c.TreeManager
	tm.TaskTTL = envDurationOr("TASK_TTL", tm.TaskTTL)
	tm.NumReviewsInitialPrompt = envIntOr("NUM_REVIEWS_INITIAL_PROMPT", tm.NumReviewsInitialPrompt)
	tm.NumReviewsReply = envIntOr("NUM_REVIEWS_REPLY", tm.NumReviewsReply)
	tm.NumRequiredRankings = envIntOr("NUM_REQUIRED_RANKINGS", tm.NumRequiredRankings)
	tm.MaxChildrenCount = envIntOr("MAX_CHILDREN_COUNT", tm.MaxChildrenCount)
	tm.MaxTreeDepth = envIntOr("MAX_TREE_DEPTH", tm.MaxTreeDepth)
	tm.GoalTreeSize = envIntOr("GOAL_TREE_SIZE", tm.GoalTreeSize)

	d := &c.Drivers
	d.MaintenanceInterval = envDurationOr("MAINTENANCE_INTERVAL", d.MaintenanceInterval)
	d.RetryScoringInterval = envDurationOr("RETRY_SCORING_INTERVAL", d.RetryScoringInterval)
	d.StreakInterval = envDurationOr("STREAK_INTERVAL", d.StreakInterval)
	d.AutoLabelInterval = envDurationOr("AUTO_LABEL_INTERVAL", d.AutoLabelInterval)
	d.AutoLabelLang = envOr("AUTO_LABEL_LANG", d.AutoLabelLang)
	d.AutoReplyInterval = envDurationOr("AUTO_REPLY_INTERVAL", d.AutoReplyInterval)
	d.AutoReplyLang = envOr("AUTO_REPLY_LANG", d.AutoReplyLang)
}

func (c *Config) validate() error {
	if c.DBDriver != "postgres" && c.DBDriver != "sqlite" {
		return fmt.Errorf("db_driver must be postgres or sqlite, got %q", c.DBDriver)
	}
	tm := c.TreeManager
	if tm.TaskTTL <= 0 {
		return fmt.Errorf("tree_manager.task_ttl must be positive")
	}
	if tm.NumReviewsInitialPrompt < 1 || tm.NumReviewsReply < 1 || tm.NumRequiredRankings < 1 {
		return fmt.Errorf("tree_manager review and ranking quorums must be at least 1")
	}
	if tm.MaxChildrenCount < 1 || tm.MaxTreeDepth < 1 {
		return fmt.Errorf("tree_manager.max_children_count and max_tree_depth must be at least 1")
	}
	if tm.ScoringAttempts < 1 {
		return fmt.Errorf("tree_manager.scoring_attempts must be at least 1")
	}
	return nil
}

// DSN builds the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
