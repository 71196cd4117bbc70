package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals either a Go duration string ("30s", "5m") or a bare
// number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var secs int64
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the validated, immutable runtime configuration. It is loaded
// once at startup; nothing re-reads it live.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Paths      PathsConfig      `yaml:"paths"`
	Processing ProcessingConfig `yaml:"processing"`
	Resources  ResourcesConfig  `yaml:"resources"`
	SSH        SSHConfig        `yaml:"ssh"`
	Retry      RetryConfig      `yaml:"retry"`
	Breaker    BreakerConfig    `yaml:"circuit_breaker"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type AppConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	StateFile string `yaml:"state_file"`
	PIDFile   string `yaml:"pid_file"`
}

type PathsConfig struct {
	LocalData       string `yaml:"local_data"`
	RemoteWorkspace string `yaml:"remote_workspace"`
}

type ProcessingConfig struct {
	ScanInterval      Duration          `yaml:"scan_interval"`
	MaxConcurrentJobs int               `yaml:"max_concurrent_jobs"`
	TaskTimeout       Duration          `yaml:"task_timeout"`
	Commands          map[string]string `yaml:"commands"`
	LocalTasks        []string          `yaml:"local_tasks"`
}

// RunsLocally reports whether the task type's command executes on this host
// instead of the cluster.
func (p ProcessingConfig) RunsLocally(taskType string) bool {
	for _, t := range p.LocalTasks {
		if t == taskType {
			return true
		}
	}
	return false
}

type ResourcesConfig struct {
	GPUCount      int    `yaml:"gpu_count"`
	MaxGPUsPerJob int    `yaml:"max_gpus_per_job"`
	MinFreeDisk   int64  `yaml:"min_free_disk_bytes"`
	DiskCheckPath string `yaml:"disk_check_path"`
}

type SSHConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	User           string   `yaml:"user"`
	KeyFile        string   `yaml:"key_file"`
	Password       string   `yaml:"password"`
	PoolSize       int      `yaml:"pool_size"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
	DialTimeout    Duration `yaml:"dial_timeout"`
}

type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	BaseDelay       Duration `yaml:"base_delay"`
	MaxDelay        Duration `yaml:"max_delay"`
	ExponentialBase float64  `yaml:"exponential_base"`
	Jitter          bool     `yaml:"jitter"`
}

type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	Cooldown         Duration `yaml:"cooldown"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads and validates the configuration file at path. Secrets may be
// overridden from the environment after a .env load in main: MQI_SSH_PASSWORD
// replaces ssh.password, MQI_SSH_KEY_FILE replaces ssh.key_file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if v := os.Getenv("MQI_SSH_PASSWORD"); v != "" {
		cfg.SSH.Password = v
	}
	if v := os.Getenv("MQI_SSH_KEY_FILE"); v != "" {
		cfg.SSH.KeyFile = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		App: AppConfig{
			LogLevel:  "info",
			LogFormat: "text",
			StateFile: "state/mqid.json",
			PIDFile:   "state/mqid.pid",
		},
		Processing: ProcessingConfig{
			ScanInterval:      Duration(60 * time.Second),
			MaxConcurrentJobs: 10,
			TaskTimeout:       Duration(30 * time.Minute),
		},
		Resources: ResourcesConfig{
			GPUCount:      4,
			MaxGPUsPerJob: 2,
			MinFreeDisk:   10 << 30,
			DiskCheckPath: "/",
		},
		SSH: SSHConfig{
			Port:           22,
			PoolSize:       5,
			AcquireTimeout: Duration(30 * time.Second),
			DialTimeout:    Duration(10 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			BaseDelay:       Duration(time.Second),
			MaxDelay:        Duration(60 * time.Second),
			ExponentialBase: 2.0,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         Duration(60 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9108",
		},
	}
}

// Validate checks the invariants the rest of the system relies on. A Config
// that fails validation must never reach the orchestrator.
func (c *Config) Validate() error {
	var problems []string
	if c.Paths.LocalData == "" {
		problems = append(problems, "paths.local_data is required")
	}
	if c.Paths.RemoteWorkspace == "" {
		problems = append(problems, "paths.remote_workspace is required")
	}
	if c.Resources.GPUCount <= 0 {
		problems = append(problems, "resources.gpu_count must be positive")
	}
	if c.Resources.MaxGPUsPerJob <= 0 || c.Resources.MaxGPUsPerJob > c.Resources.GPUCount {
		problems = append(problems, "resources.max_gpus_per_job must be in [1, gpu_count]")
	}
	if c.Processing.MaxConcurrentJobs <= 0 {
		problems = append(problems, "processing.max_concurrent_jobs must be positive")
	}
	if c.Processing.ScanInterval <= 0 {
		problems = append(problems, "processing.scan_interval must be positive")
	}
	if c.SSH.Host == "" {
		problems = append(problems, "ssh.host is required")
	}
	if c.SSH.User == "" {
		problems = append(problems, "ssh.user is required")
	}
	if c.SSH.KeyFile == "" && c.SSH.Password == "" {
		problems = append(problems, "ssh.key_file or ssh.password is required")
	}
	if c.SSH.PoolSize <= 0 {
		problems = append(problems, "ssh.pool_size must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		problems = append(problems, "retry.max_attempts must be positive")
	}
	if c.Retry.ExponentialBase < 1 {
		problems = append(problems, "retry.exponential_base must be >= 1")
	}
	if c.Breaker.FailureThreshold <= 0 {
		problems = append(problems, "circuit_breaker.failure_threshold must be positive")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ValidationError aggregates every problem found so operators can fix the
// file in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}
