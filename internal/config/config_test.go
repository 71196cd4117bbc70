package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
paths:
  local_data: /data/cases
  remote_workspace: /home/mqi/workspace
ssh:
  host: cluster.example.org
  user: mqi
  password: hunter2
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Processing.ScanInterval.Std() != 60*time.Second {
		t.Errorf("scan_interval default = %v", cfg.Processing.ScanInterval.Std())
	}
	if cfg.Resources.GPUCount != 4 {
		t.Errorf("gpu_count default = %d", cfg.Resources.GPUCount)
	}
	if cfg.SSH.Port != 22 || cfg.SSH.PoolSize != 5 {
		t.Errorf("ssh defaults = port %d, pool %d", cfg.SSH.Port, cfg.SSH.PoolSize)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("resilience defaults = %d attempts, threshold %d",
			cfg.Retry.MaxAttempts, cfg.Breaker.FailureThreshold)
	}
}

func TestDurationAcceptsSecondsAndStrings(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
processing:
  scan_interval: 90
  task_timeout: 45m
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Processing.ScanInterval.Std() != 90*time.Second {
		t.Errorf("bare int seconds: got %v", cfg.Processing.ScanInterval.Std())
	}
	if cfg.Processing.TaskTimeout.Std() != 45*time.Minute {
		t.Errorf("duration string: got %v", cfg.Processing.TaskTimeout.Std())
	}
}

func TestValidationAggregatesProblems(t *testing.T) {
	_, err := Load(writeConfig(t, `
resources:
  gpu_count: 0
`))
	if err == nil {
		t.Fatal("expected validation failure")
	}
	msg := err.Error()
	for _, want := range []string{"paths.local_data", "ssh.host", "resources.gpu_count"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestEnvOverridesSecret(t *testing.T) {
	t.Setenv("MQI_SSH_PASSWORD", "from-env")
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SSH.Password != "from-env" {
		t.Errorf("password = %q, want env override", cfg.SSH.Password)
	}
}

func TestExampleConfigParses(t *testing.T) {
	t.Setenv("MQI_SSH_PASSWORD", "")
	t.Setenv("MQI_SSH_KEY_FILE", "")
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	if err != nil {
		t.Fatalf("example config must validate: %v", err)
	}
	if _, ok := cfg.Processing.Commands["beam_calc"]; !ok {
		t.Error("example config should template the beam_calc command")
	}
}
