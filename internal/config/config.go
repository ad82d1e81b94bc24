// Package config loads the hub configuration from YAML with environment
// overrides applied by the cmd layer.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Cache      CacheConfig      `yaml:"cache"`
	Policy     PolicyConfig     `yaml:"policy"`
	Pattern    PatternConfig    `yaml:"pattern"`
	Project    ProjectConfig    `yaml:"project"`
	Session    SessionConfig    `yaml:"session"`
	VFS        VFSConfig        `yaml:"vfs"`
	Stream     StreamConfig     `yaml:"stream"`
	Storage    StorageConfig    `yaml:"storage"`
	Escalation EscalationConfig `yaml:"escalation"`
	Monitor    MonitorConfig    `yaml:"monitor"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Env            string   `yaml:"env"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DispatcherConfig struct {
	RatePerSecond      int           `yaml:"rate_per_second"`
	AdaptiveLatencyMs  float64       `yaml:"adaptive_latency_ms"`
	AdaptiveFactor     float64       `yaml:"adaptive_factor"`
	ExpertTimeout      time.Duration `yaml:"expert_timeout"`
	ExpertQueueSize    int           `yaml:"expert_queue_size"`
	BreakerThreshold   int           `yaml:"breaker_threshold"`
	BreakerBaseBackoff time.Duration `yaml:"breaker_base_backoff"`
	BreakerMaxBackoff  time.Duration `yaml:"breaker_max_backoff"`
}

type CacheConfig struct {
	MemoryCacheSize int           `yaml:"memory_cache_size"`
	HotThreshold    int           `yaml:"hot_threshold"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	BloomFPRate     float64       `yaml:"bloom_fp_rate"`
}

type PolicyConfig struct {
	ConfigPath   string        `yaml:"config_path"`
	HotRuleCount int           `yaml:"hot_rule_count"`
	MemoCapacity int           `yaml:"memo_capacity"`
	MemoTTL      time.Duration `yaml:"memo_ttl"`
}

type PatternConfig struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	PredictionTTL       time.Duration `yaml:"prediction_ttl"`
	PredictionCapacity  int           `yaml:"prediction_capacity"`
}

type ProjectConfig struct {
	MaxFileSize       int64    `yaml:"max_file_size"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	ProtectedPaths    []string `yaml:"protected_paths"`
}

type SessionConfig struct {
	MasterSecret          string        `yaml:"master_secret"`
	Timeout               time.Duration `yaml:"timeout"`
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
	OpsPerMinute          int           `yaml:"ops_per_minute"`
	AuditCapacity         int           `yaml:"audit_capacity"`
	AuditTruncateTo       int           `yaml:"audit_truncate_to"`
}

type VFSConfig struct {
	MountPoint    string        `yaml:"mount_point"`
	ContentTTL    time.Duration `yaml:"content_ttl"`
	HistoryTTL    time.Duration `yaml:"history_ttl"`
	OpsPerSecond  int           `yaml:"ops_per_second"`
	HistoryWindow int           `yaml:"history_window_hours"`
}

type StreamConfig struct {
	BufferSize        int           `yaml:"buffer_size"`
	BackpressureLimit int           `yaml:"backpressure_limit"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	PipeCapacity      int           `yaml:"pipe_capacity"`
	Pipes             []string      `yaml:"pipes"`
}

type StorageConfig struct {
	Backend         string `yaml:"backend"` // memory | postgres | spanner
	PostgresDSN     string `yaml:"postgres_dsn"`
	SpannerProject  string `yaml:"spanner_project"`
	SpannerInstance string `yaml:"spanner_instance"`
	SpannerDatabase string `yaml:"spanner_database"`
	RedisAddr       string `yaml:"redis_addr"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	SupabaseURL     string `yaml:"supabase_url"`
	SupabaseKey     string `yaml:"supabase_key"`
	PubSubProject   string `yaml:"pubsub_project"`
	PubSubTopic     string `yaml:"pubsub_topic"`
}

type EscalationConfig struct {
	Webhooks           []WebhookConfig `yaml:"webhooks"`
	Workers            int             `yaml:"workers"`
	DeliveryTimeout    time.Duration   `yaml:"delivery_timeout"`
	CloudTasksProject  string          `yaml:"cloudtasks_project"`
	CloudTasksLocation string          `yaml:"cloudtasks_location"`
	CloudTasksQueue    string          `yaml:"cloudtasks_queue"`
}

type WebhookConfig struct {
	ID         string   `yaml:"id"`
	URL        string   `yaml:"url"`
	EventTypes []string `yaml:"event_types"`
}

type MonitorConfig struct {
	EnableSocketIO bool `yaml:"enable_socketio"`
}

// Load reads and decodes the YAML file at path, then applies defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied and no file read.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills every zero-valued option with its documented default.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}

	if c.Dispatcher.RatePerSecond == 0 {
		c.Dispatcher.RatePerSecond = 1000
	}
	if c.Dispatcher.AdaptiveLatencyMs == 0 {
		c.Dispatcher.AdaptiveLatencyMs = 50
	}
	if c.Dispatcher.AdaptiveFactor == 0 {
		c.Dispatcher.AdaptiveFactor = 0.7
	}
	if c.Dispatcher.ExpertTimeout == 0 {
		c.Dispatcher.ExpertTimeout = 30 * time.Second
	}
	if c.Dispatcher.ExpertQueueSize == 0 {
		c.Dispatcher.ExpertQueueSize = 100
	}
	if c.Dispatcher.BreakerThreshold == 0 {
		c.Dispatcher.BreakerThreshold = 5
	}
	if c.Dispatcher.BreakerBaseBackoff == 0 {
		c.Dispatcher.BreakerBaseBackoff = time.Second
	}
	if c.Dispatcher.BreakerMaxBackoff == 0 {
		c.Dispatcher.BreakerMaxBackoff = 60 * time.Second
	}

	if c.Cache.MemoryCacheSize == 0 {
		c.Cache.MemoryCacheSize = 10000
	}
	if c.Cache.HotThreshold == 0 {
		c.Cache.HotThreshold = 10
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = 300 * time.Second
	}
	if c.Cache.BloomFPRate == 0 {
		c.Cache.BloomFPRate = 0.01
	}

	if c.Policy.HotRuleCount == 0 {
		c.Policy.HotRuleCount = 10
	}
	if c.Policy.MemoCapacity == 0 {
		c.Policy.MemoCapacity = 1000
	}
	if c.Policy.MemoTTL == 0 {
		c.Policy.MemoTTL = 60 * time.Second
	}

	if c.Pattern.ConfidenceThreshold == 0 {
		c.Pattern.ConfidenceThreshold = 0.8
	}
	if c.Pattern.PredictionTTL == 0 {
		c.Pattern.PredictionTTL = 10 * time.Minute
	}
	if c.Pattern.PredictionCapacity == 0 {
		c.Pattern.PredictionCapacity = 1000
	}

	if c.Project.MaxFileSize == 0 {
		c.Project.MaxFileSize = 100 << 20 // 100 MiB
	}
	if c.Project.AllowedExtensions == nil {
		c.Project.AllowedExtensions = []string{
			".go", ".py", ".js", ".ts", ".tsx", ".jsx", ".rs", ".java", ".rb",
			".c", ".h", ".cpp", ".hpp", ".sh", ".md", ".txt", ".json", ".yaml",
			".yml", ".toml", ".html", ".css", ".sql", ".proto",
		}
	}
	if c.Project.ProtectedPaths == nil {
		c.Project.ProtectedPaths = []string{
			"/.git", "/node_modules", "/venv", "/__pycache__", "/.idea", "/.vscode",
		}
	}

	if c.Session.Timeout == 0 {
		c.Session.Timeout = 2 * time.Hour
	}
	if c.Session.MaxConcurrentSessions == 0 {
		c.Session.MaxConcurrentSessions = 5
	}
	if c.Session.OpsPerMinute == 0 {
		c.Session.OpsPerMinute = 1000
	}
	if c.Session.AuditCapacity == 0 {
		c.Session.AuditCapacity = 10000
	}
	if c.Session.AuditTruncateTo == 0 {
		c.Session.AuditTruncateTo = 8000
	}

	if c.VFS.MountPoint == "" {
		c.VFS.MountPoint = "/mnt/hub"
	}
	if c.VFS.ContentTTL == 0 {
		c.VFS.ContentTTL = 5 * time.Second
	}
	if c.VFS.HistoryTTL == 0 {
		c.VFS.HistoryTTL = 60 * time.Second
	}
	if c.VFS.OpsPerSecond == 0 {
		c.VFS.OpsPerSecond = 1000
	}
	if c.VFS.HistoryWindow == 0 {
		c.VFS.HistoryWindow = 24
	}

	if c.Stream.BufferSize == 0 {
		c.Stream.BufferSize = 1000
	}
	if c.Stream.BackpressureLimit == 0 {
		c.Stream.BackpressureLimit = 5000
	}
	if c.Stream.SendTimeout == 0 {
		c.Stream.SendTimeout = time.Second
	}
	if c.Stream.PipeCapacity == 0 {
		c.Stream.PipeCapacity = 1000
	}
	if c.Stream.Pipes == nil {
		c.Stream.Pipes = []string{
			"validation_requests", "validation_responses",
			"pair_sessions", "file_changes", "agent_activities",
		}
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}

	if c.Escalation.Workers == 0 {
		c.Escalation.Workers = 4
	}
	if c.Escalation.DeliveryTimeout == 0 {
		c.Escalation.DeliveryTimeout = 10 * time.Second
	}
}
