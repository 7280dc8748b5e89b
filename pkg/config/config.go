package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mousehunter/crawler/pkg/types"
)

// ServiceName identifies this service in worker registrations and logs.
const ServiceName = "saturn-crawler"

// Config is the full process configuration, loaded once at startup and
// passed by value to the subsystems that need it.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Redis      RedisConfig      `yaml:"redis"`
	Worker     WorkerConfig     `yaml:"worker"`
	Injector   InjectorConfig   `yaml:"injector"`
	Shutdown   ShutdownConfig   `yaml:"shutdown"`
	Autoscaler AutoscalerConfig `yaml:"autoscaler"`
}

// ServiceConfig holds process-wide settings.
type ServiceConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	Debug    bool   `yaml:"debug"`
}

// RedisConfig holds broker connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WorkerConfig holds task consumer settings.
type WorkerConfig struct {
	WorkerID           string           `yaml:"worker_id"`
	MaxConcurrentTasks int              `yaml:"max_concurrent_tasks"`
	TaskTimeoutSeconds int              `yaml:"task_timeout_seconds"`
	SupportedTaskTypes []string         `yaml:"supported_task_types"`
	SupportedMarkets   []types.Market   `yaml:"supported_markets"`
	QueuePriorities    []types.Priority `yaml:"queue_priorities"`
}

// TaskTimeout returns the per-task deadline as a duration.
func (w WorkerConfig) TaskTimeout() time.Duration {
	return time.Duration(w.TaskTimeoutSeconds) * time.Second
}

// InjectorConfig holds resource injection settings.
type InjectorConfig struct {
	ProxyPoolURL            string `yaml:"proxy_pool_url"`
	EnableProxyInjection    bool   `yaml:"enable_proxy_injection"`
	EnableCredentialInject  bool   `yaml:"enable_credential_injection"`
	FreshnessWindowMinutes  int    `yaml:"freshness_window_minutes"`
	ProxyIdleExpiryMinutes  int    `yaml:"proxy_idle_expiry_minutes"`
	CleanupIntervalMinutes  int    `yaml:"cleanup_interval_minutes"`
	PoolRequestTimeoutSecs  int    `yaml:"pool_request_timeout_seconds"`
}

// FreshnessWindow returns how recently a credential must have been validated
// to count as fresh.
func (i InjectorConfig) FreshnessWindow() time.Duration {
	return time.Duration(i.FreshnessWindowMinutes) * time.Minute
}

// ProxyIdleExpiry returns how long an unused proxy stays cached.
func (i InjectorConfig) ProxyIdleExpiry() time.Duration {
	return time.Duration(i.ProxyIdleExpiryMinutes) * time.Minute
}

// ShutdownConfig holds graceful drain settings.
type ShutdownConfig struct {
	MaxWaitSeconds       int `yaml:"max_wait_seconds"`
	CleanupTimeoutSecs   int `yaml:"cleanup_timeout_seconds"`
	ForceExitDelaySecs   int `yaml:"force_exit_delay_seconds"`
}

// AutoscalerConfig holds the scaling loop settings.
type AutoscalerConfig struct {
	Namespace            string             `yaml:"namespace"`
	CheckIntervalSeconds int                `yaml:"check_interval_seconds"`
	CooldownMinutes      int                `yaml:"cooldown_minutes"`
	Deployments          []DeploymentConfig `yaml:"deployments"`
	QueueMapping         map[string]string  `yaml:"queue_mapping"`
}

// DeploymentConfig bounds the replica count of one worker deployment.
type DeploymentConfig struct {
	Name               string `yaml:"name"`
	MinReplicas        int    `yaml:"min_replicas"`
	MaxReplicas        int    `yaml:"max_replicas"`
	ScaleUpThreshold   int    `yaml:"scale_up_threshold"`
	ScaleDownThreshold int    `yaml:"scale_down_threshold"`
}

// Default returns the built-in configuration, matching the fleet's standard
// deployment profile.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Port:     8006,
			LogLevel: "info",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Worker: WorkerConfig{
			WorkerID:           "crawler-worker-01",
			MaxConcurrentTasks: 5,
			TaskTimeoutSeconds: 300,
			SupportedTaskTypes: types.DefaultTaskTypes,
			SupportedMarkets:   types.DefaultMarkets,
			QueuePriorities:    types.AllPriorities,
		},
		Injector: InjectorConfig{
			ProxyPoolURL:           "http://localhost:8005/api/v1/pools",
			EnableProxyInjection:   true,
			EnableCredentialInject: true,
			FreshnessWindowMinutes: 30,
			ProxyIdleExpiryMinutes: 60,
			CleanupIntervalMinutes: 5,
			PoolRequestTimeoutSecs: 10,
		},
		Shutdown: ShutdownConfig{
			MaxWaitSeconds:     90,
			CleanupTimeoutSecs: 15,
			ForceExitDelaySecs: 5,
		},
		Autoscaler: AutoscalerConfig{
			Namespace:            "saturn-crawler",
			CheckIntervalSeconds: 30,
			CooldownMinutes:      2,
			Deployments: []DeploymentConfig{
				{Name: "saturn-crawler-critical", MinReplicas: 2, MaxReplicas: 8, ScaleUpThreshold: 40, ScaleDownThreshold: 10},
				{Name: "saturn-crawler-high", MinReplicas: 2, MaxReplicas: 10, ScaleUpThreshold: 80, ScaleDownThreshold: 20},
				{Name: "saturn-crawler-normal", MinReplicas: 1, MaxReplicas: 5, ScaleUpThreshold: 150, ScaleDownThreshold: 30},
			},
			QueueMapping: map[string]string{
				"crawler_tasks:CRITICAL": "saturn-crawler-critical",
				"crawler_tasks:HIGH":     "saturn-crawler-high",
				"crawler_tasks:NORMAL":   "saturn-crawler-normal",
				"crawler_tasks:LOW":      "saturn-crawler-normal",
			},
		},
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides on top of the defaults. An empty path skips the
// file step.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the worker cannot run with.
func (c Config) Validate() error {
	if c.Worker.WorkerID == "" {
		return fmt.Errorf("worker_id must not be empty")
	}
	if c.Worker.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be at least 1, got %d", c.Worker.MaxConcurrentTasks)
	}
	if len(c.Worker.QueuePriorities) == 0 {
		return fmt.Errorf("at least one queue priority must be configured")
	}
	for _, p := range c.Worker.QueuePriorities {
		if _, err := types.ParsePriority(string(p)); err != nil {
			return fmt.Errorf("invalid queue priority: %w", err)
		}
	}
	for _, d := range c.Autoscaler.Deployments {
		if d.MinReplicas < 0 || d.MaxReplicas < d.MinReplicas {
			return fmt.Errorf("deployment %s: replica bounds [%d, %d] are invalid", d.Name, d.MinReplicas, d.MaxReplicas)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WORKER_ID"); v != "" {
		cfg.Worker.WorkerID = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v, ok := envInt("REDIS_DB"); ok {
		cfg.Redis.DB = v
	}
	if v, ok := envInt("MAX_CONCURRENT_TASKS"); ok {
		cfg.Worker.MaxConcurrentTasks = v
	}
	if v, ok := envInt("TASK_TIMEOUT_SECONDS"); ok {
		cfg.Worker.TaskTimeoutSeconds = v
	}
	if v := os.Getenv("PROXY_POOL_URL"); v != "" {
		cfg.Injector.ProxyPoolURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Service.LogLevel = v
	}
	if v := os.Getenv("K8S_NAMESPACE"); v != "" {
		cfg.Autoscaler.Namespace = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
