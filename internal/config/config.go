// Copyright 2026 NVIDIA Corporation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// UniqueJobTTL is how long dedup keys are kept for collapsing repeated enqueues.
const UniqueJobTTL = 5 * 24 * time.Hour

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Postgres struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	Database     string        `mapstructure:"database"`
	SSLMode      string        `mapstructure:"ssl_mode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnLifetime time.Duration `mapstructure:"conn_lifetime"`
}

// DSN renders a lib/pq connection string.
func (p Postgres) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

type Worker struct {
	Count                 int           `mapstructure:"count"`
	JobQueuePrefix        string        `mapstructure:"job_queue_prefix"`
	ProcessingListPattern string        `mapstructure:"processing_list_pattern"`
	HeartbeatKeyPattern   string        `mapstructure:"heartbeat_key_pattern"`
	HeartbeatTTL          time.Duration `mapstructure:"heartbeat_ttl"`
	BRPopLPushTimeout     time.Duration `mapstructure:"brpoplpush_timeout"`
	DelayedJobsKey        string        `mapstructure:"delayed_jobs_key"`
	DelayedPollInterval   time.Duration `mapstructure:"delayed_poll_interval"`
	ProgressFile          string        `mapstructure:"progress_file"`
	ProgressIterFrequency time.Duration `mapstructure:"progress_iter_frequency"`
}

// Backend configures the cluster-resident agent plane: listener, backend
// worker and the per-backend job queue namespace.
type Backend struct {
	Name                         string        `mapstructure:"name"`
	Namespace                    string        `mapstructure:"namespace"`
	ServiceURL                   string        `mapstructure:"service_url"`
	JobQueuePrefix               string        `mapstructure:"job_queue_prefix"`
	NodeConditionPrefix          string        `mapstructure:"node_condition_prefix"`
	MaxUnackedMessages           int           `mapstructure:"max_unacked_messages"`
	PodEventCacheSize            int           `mapstructure:"pod_event_cache_size"`
	PodEventCacheTTLMinutes      int           `mapstructure:"pod_event_cache_ttl_minutes"`
	NodeEventCacheSize           int           `mapstructure:"node_event_cache_size"`
	NodeEventCacheTTLMinutes     int           `mapstructure:"node_event_cache_ttl_minutes"`
	BackendEventCacheSize        int           `mapstructure:"backend_event_cache_size"`
	ListPodsPageSize             int64         `mapstructure:"list_pods_page_size"`
	RefreshResourceStateInterval time.Duration `mapstructure:"refresh_resource_state_interval"`
	IncludeNamespaceUsage        []string      `mapstructure:"include_namespace_usage"`
	EnableNodeLabelUpdate        bool          `mapstructure:"enable_node_label_update"`
	K8sTimeout                   time.Duration `mapstructure:"k8s_timeout"`
	TestRunnerNamespace          string        `mapstructure:"test_runner_namespace"`
	TestRunnerJobSpecFile        string        `mapstructure:"test_runner_job_spec_file"`
	ProgressFolder               string        `mapstructure:"progress_folder"`
}

// Executor tunables; each field is overridable through OSMO_EXECUTOR_*.
type Executor struct {
	NumProcesses         int `mapstructure:"num_processes"`
	NumThreads           int `mapstructure:"num_threads"`
	InflightMultiplier   int `mapstructure:"inflight_multiplier"`
	ChunkQueueMultiplier int `mapstructure:"chunk_queue_multiplier"`
	LogQueueSize         int `mapstructure:"log_queue_size"`
}

type Progress struct {
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	MinUpdateInterval time.Duration `mapstructure:"min_update_interval"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Environment string `mapstructure:"environment"`
	Insecure    bool   `mapstructure:"insecure"`
}

type Observability struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFile             string        `mapstructure:"log_file"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	DisableTaskMetrics  bool          `mapstructure:"disable_task_metrics"`
}

type Config struct {
	Redis         Redis         `mapstructure:"redis"`
	Postgres      Postgres      `mapstructure:"postgres"`
	Worker        Worker        `mapstructure:"worker"`
	Backend       Backend       `mapstructure:"backend"`
	Executor      Executor      `mapstructure:"executor"`
	Progress      Progress      `mapstructure:"progress"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Postgres: Postgres{
			Host:         "localhost",
			Port:         5432,
			User:         "osmo",
			Database:     "osmo",
			SSLMode:      "disable",
			MaxOpenConns: 16,
			MaxIdleConns: 4,
			ConnLifetime: 30 * time.Minute,
		},
		Worker: Worker{
			Count:                 4,
			JobQueuePrefix:        "{osmo}:{jobs}",
			ProcessingListPattern: "{osmo}:{jobs}:worker:%s:processing",
			HeartbeatKeyPattern:   "{osmo}:{jobs}:processing:worker:%s",
			HeartbeatTTL:          30 * time.Second,
			BRPopLPushTimeout:     1 * time.Second,
			DelayedJobsKey:        "osmo:delayed_jobs",
			DelayedPollInterval:   5 * time.Second,
			ProgressFile:          "/var/run/osmo/last_progress",
			ProgressIterFrequency: 15 * time.Second,
		},
		Backend: Backend{
			Name:                         "osmo-backend",
			Namespace:                    "osmo",
			ServiceURL:                   "http://127.0.0.1:8000",
			JobQueuePrefix:               "{osmo}:{backend-jobs}",
			NodeConditionPrefix:          "osmo.nvidia.com/",
			MaxUnackedMessages:           1000,
			PodEventCacheSize:            4096,
			PodEventCacheTTLMinutes:      15,
			NodeEventCacheSize:           1024,
			NodeEventCacheTTLMinutes:     15,
			BackendEventCacheSize:        4096,
			ListPodsPageSize:             1000,
			RefreshResourceStateInterval: 300 * time.Second,
			EnableNodeLabelUpdate:        false,
			K8sTimeout:                   60 * time.Second,
			ProgressFolder:               "/var/run/osmo",
		},
		Executor: Executor{
			NumProcesses:         1,
			NumThreads:           1,
			InflightMultiplier:   4,
			ChunkQueueMultiplier: 4,
			LogQueueSize:         10000,
		},
		Progress: Progress{
			FlushInterval:     1 * time.Second,
			MinUpdateInterval: 250 * time.Millisecond,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			QueueSampleInterval: 2 * time.Second,
			Tracing:             TracingConfig{Enabled: false},
		},
	}
}

// Load reads configuration from a YAML file with OSMO_* env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("osmo")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Legacy variable names that do not follow the section prefix.
	_ = v.BindEnv("observability.disable_task_metrics", "OSMO_DISABLE_TASK_METRICS")
	_ = v.BindEnv("worker.progress_iter_frequency", "OSMO_PROGRESS_ITER_FREQUENCY")
	_ = v.BindEnv("worker.progress_file", "OSMO_PROGRESS_FILE")

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("postgres.host", def.Postgres.Host)
	v.SetDefault("postgres.port", def.Postgres.Port)
	v.SetDefault("postgres.user", def.Postgres.User)
	v.SetDefault("postgres.database", def.Postgres.Database)
	v.SetDefault("postgres.ssl_mode", def.Postgres.SSLMode)
	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", def.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_lifetime", def.Postgres.ConnLifetime)

	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("worker.job_queue_prefix", def.Worker.JobQueuePrefix)
	v.SetDefault("worker.processing_list_pattern", def.Worker.ProcessingListPattern)
	v.SetDefault("worker.heartbeat_key_pattern", def.Worker.HeartbeatKeyPattern)
	v.SetDefault("worker.heartbeat_ttl", def.Worker.HeartbeatTTL)
	v.SetDefault("worker.brpoplpush_timeout", def.Worker.BRPopLPushTimeout)
	v.SetDefault("worker.delayed_jobs_key", def.Worker.DelayedJobsKey)
	v.SetDefault("worker.delayed_poll_interval", def.Worker.DelayedPollInterval)
	v.SetDefault("worker.progress_file", def.Worker.ProgressFile)
	v.SetDefault("worker.progress_iter_frequency", def.Worker.ProgressIterFrequency)

	v.SetDefault("backend.name", def.Backend.Name)
	v.SetDefault("backend.namespace", def.Backend.Namespace)
	v.SetDefault("backend.service_url", def.Backend.ServiceURL)
	v.SetDefault("backend.job_queue_prefix", def.Backend.JobQueuePrefix)
	v.SetDefault("backend.node_condition_prefix", def.Backend.NodeConditionPrefix)
	v.SetDefault("backend.max_unacked_messages", def.Backend.MaxUnackedMessages)
	v.SetDefault("backend.pod_event_cache_size", def.Backend.PodEventCacheSize)
	v.SetDefault("backend.pod_event_cache_ttl_minutes", def.Backend.PodEventCacheTTLMinutes)
	v.SetDefault("backend.node_event_cache_size", def.Backend.NodeEventCacheSize)
	v.SetDefault("backend.node_event_cache_ttl_minutes", def.Backend.NodeEventCacheTTLMinutes)
	v.SetDefault("backend.backend_event_cache_size", def.Backend.BackendEventCacheSize)
	v.SetDefault("backend.list_pods_page_size", def.Backend.ListPodsPageSize)
	v.SetDefault("backend.refresh_resource_state_interval", def.Backend.RefreshResourceStateInterval)
	v.SetDefault("backend.include_namespace_usage", def.Backend.IncludeNamespaceUsage)
	v.SetDefault("backend.enable_node_label_update", def.Backend.EnableNodeLabelUpdate)
	v.SetDefault("backend.k8s_timeout", def.Backend.K8sTimeout)
	v.SetDefault("backend.test_runner_namespace", def.Backend.TestRunnerNamespace)
	v.SetDefault("backend.test_runner_job_spec_file", def.Backend.TestRunnerJobSpecFile)
	v.SetDefault("backend.progress_folder", def.Backend.ProgressFolder)

	v.SetDefault("executor.num_processes", def.Executor.NumProcesses)
	v.SetDefault("executor.num_threads", def.Executor.NumThreads)
	v.SetDefault("executor.inflight_multiplier", def.Executor.InflightMultiplier)
	v.SetDefault("executor.chunk_queue_multiplier", def.Executor.ChunkQueueMultiplier)
	v.SetDefault("executor.log_queue_size", def.Executor.LogQueueSize)

	v.SetDefault("progress.flush_interval", def.Progress.FlushInterval)
	v.SetDefault("progress.min_update_interval", def.Progress.MinUpdateInterval)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.log_file", def.Observability.LogFile)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.disable_task_metrics", def.Observability.DisableTaskMetrics)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if cfg.Worker.HeartbeatTTL < 5*time.Second {
		return fmt.Errorf("worker.heartbeat_ttl must be >= 5s")
	}
	if cfg.Worker.BRPopLPushTimeout <= 0 || cfg.Worker.BRPopLPushTimeout > cfg.Worker.HeartbeatTTL/2 {
		return fmt.Errorf("worker.brpoplpush_timeout must be >0 and <= heartbeat_ttl/2")
	}
	if cfg.Backend.MaxUnackedMessages < 1 {
		return fmt.Errorf("backend.max_unacked_messages must be >= 1")
	}
	if cfg.Executor.NumProcesses < 1 || cfg.Executor.NumThreads < 1 {
		return fmt.Errorf("executor.num_processes and executor.num_threads must be >= 1")
	}
	if cfg.Executor.InflightMultiplier < 1 || cfg.Executor.InflightMultiplier > 8 {
		return fmt.Errorf("executor.inflight_multiplier must be in 1..8")
	}
	if cfg.Executor.ChunkQueueMultiplier < 1 || cfg.Executor.ChunkQueueMultiplier > 8 {
		return fmt.Errorf("executor.chunk_queue_multiplier must be in 1..8")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
