package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "INFO" {
		t.Errorf("log level = %q, want INFO", cfg.LogLevel)
	}
	if cfg.Coordinator.WorldSize != 4 {
		t.Errorf("world size = %d, want 4", cfg.Coordinator.WorldSize)
	}
	if cfg.Process.FaultMode != "synchronous" {
		t.Errorf("fault mode = %q, want synchronous", cfg.Process.FaultMode)
	}
	if cfg.Process.HeartbeatInterval != 3*time.Second {
		t.Errorf("heartbeat interval = %s, want 3s", cfg.Process.HeartbeatInterval)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`log_level: DEBUG
log_json: true
coordinator:
  listen_addr: ":9090"
  world_size: 8
  heartbeat_timeout: 30s
process:
  coordinator_url: http://coord:9090
  start_step: 12
  fault_mode: asynchronous
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "DEBUG" || !cfg.LogJSON {
		t.Errorf("log config = %q/%v, want DEBUG/true", cfg.LogLevel, cfg.LogJSON)
	}
	if cfg.Coordinator.ListenAddr != ":9090" || cfg.Coordinator.WorldSize != 8 {
		t.Errorf("coordinator = %+v", cfg.Coordinator)
	}
	if cfg.Coordinator.HeartbeatTimeout != 30*time.Second {
		t.Errorf("heartbeat timeout = %s, want 30s", cfg.Coordinator.HeartbeatTimeout)
	}
	if cfg.Process.CoordinatorURL != "http://coord:9090" {
		t.Errorf("coordinator url = %q", cfg.Process.CoordinatorURL)
	}
	if cfg.Process.StartStep != 12 {
		t.Errorf("start step = %d, want 12", cfg.Process.StartStep)
	}
	if cfg.Process.FaultMode != "asynchronous" {
		t.Errorf("fault mode = %q, want asynchronous", cfg.Process.FaultMode)
	}
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load succeeded for a missing explicit config file")
	}
}
