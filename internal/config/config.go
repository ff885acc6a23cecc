package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Stripe     StripeConfig     `yaml:"stripe"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Supply     SupplyConfig     `yaml:"supply"`
	Correction CorrectionConfig `yaml:"correction"`
	Vision     VisionConfig     `yaml:"vision"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	CloudTasks CloudTasksConfig `yaml:"cloudtasks"`
	Spanner    SpannerConfig    `yaml:"spanner"`
	Storage    StorageConfig    `yaml:"storage"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StripeConfig struct {
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type OutboxConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
	BatchSize      int `yaml:"batch_size"`
	MaxAttempts    int `yaml:"max_attempts"`
}

type SupplyConfig struct {
	RecomputeIntervalMinutes int `yaml:"recompute_interval_minutes"`
}

type CorrectionConfig struct {
	AnalyzerIntervalMinutes int     `yaml:"analyzer_interval_minutes"`
	PostWindowHours         int     `yaml:"post_window_hours"`
	SafeModeNonCausalRate   float64 `yaml:"safe_mode_non_causal_rate"`
	SafeModeMinSample       int     `yaml:"safe_mode_min_sample"`
}

type VisionConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type CloudTasksConfig struct {
	ProjectID string `yaml:"project_id"`
	Location  string `yaml:"location"`
	Queue     string `yaml:"queue"`
	TargetURL string `yaml:"target_url"`
}

type SpannerConfig struct {
	Database string `yaml:"database"` // projects/p/instances/i/databases/d
}

type StorageConfig struct {
	SupabaseURL  string `yaml:"supabase_url"`
	SupabaseKey  string `yaml:"supabase_key"`
	ProofBucket  string `yaml:"proof_bucket"`
	ExportBucket string `yaml:"export_bucket"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()

	return &cfg, nil
}

// FromEnv builds a config without a yaml file; used by the CLI and tests.
func FromEnv() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// applyEnv lets deployment env vars override file values. Secrets normally
// arrive only this way; the yaml keys exist for local dev.
func (c *Config) applyEnv() {
	setIfEnv(&c.Server.Port, "PORT")
	setIfEnv(&c.Database.URL, "DATABASE_URL")
	setIfEnv(&c.Redis.Addr, "REDIS_ADDR")
	setIfEnv(&c.Redis.Password, "REDIS_PASSWORD")
	setIfEnv(&c.Stripe.APIKey, "STRIPE_API_KEY")
	setIfEnv(&c.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setIfEnv(&c.PubSub.ProjectID, "PUBSUB_PROJECT_ID")
	setIfEnv(&c.PubSub.TopicID, "PUBSUB_TOPIC_ID")
	setIfEnv(&c.CloudTasks.ProjectID, "CLOUDTASKS_PROJECT_ID")
	setIfEnv(&c.CloudTasks.Location, "CLOUDTASKS_LOCATION")
	setIfEnv(&c.CloudTasks.Queue, "CLOUDTASKS_QUEUE")
	setIfEnv(&c.CloudTasks.TargetURL, "CLOUDTASKS_TARGET_URL")
	setIfEnv(&c.Spanner.Database, "SPANNER_DATABASE")
	setIfEnv(&c.Storage.SupabaseURL, "SUPABASE_URL")
	setIfEnv(&c.Storage.SupabaseKey, "SUPABASE_KEY")
	setIfEnv(&c.Vision.BaseURL, "VISION_BASE_URL")
	setIfEnv(&c.Vision.APIKey, "VISION_API_KEY")
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Outbox.PollIntervalMs == 0 {
		c.Outbox.PollIntervalMs = 500
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxAttempts == 0 {
		c.Outbox.MaxAttempts = 8
	}
	if c.Supply.RecomputeIntervalMinutes == 0 {
		c.Supply.RecomputeIntervalMinutes = 60
	}
	if c.Correction.AnalyzerIntervalMinutes == 0 {
		c.Correction.AnalyzerIntervalMinutes = 30
	}
	if c.Correction.PostWindowHours == 0 {
		c.Correction.PostWindowHours = 48
	}
	if c.Correction.SafeModeNonCausalRate == 0 {
		c.Correction.SafeModeNonCausalRate = 0.6
	}
	if c.Correction.SafeModeMinSample == 0 {
		c.Correction.SafeModeMinSample = 10
	}
	if c.Vision.TimeoutMs == 0 {
		c.Vision.TimeoutMs = 5000
	}
	if c.Storage.ProofBucket == "" {
		c.Storage.ProofBucket = "proof-photos"
	}
	if c.Storage.ExportBucket == "" {
		c.Storage.ExportBucket = "gdpr-exports"
	}
}

func (c *Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.Outbox.PollIntervalMs) * time.Millisecond
}

func (c *Config) VisionTimeout() time.Duration {
	return time.Duration(c.Vision.TimeoutMs) * time.Millisecond
}

func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
