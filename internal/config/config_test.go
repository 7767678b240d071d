package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != ":7700" {
		t.Errorf("want default listen address, got %s", cfg.ListenAddress)
	}
	if cfg.HeartbeatInterval != time.Second {
		t.Errorf("want default heartbeat interval, got %s", cfg.HeartbeatInterval)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	contents := "listen_address: \":9000\"\nprobe_fanout: 7\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Errorf("want :9000, got %s", cfg.ListenAddress)
	}
	if cfg.ProbeFanout != 7 {
		t.Errorf("want 7, got %d", cfg.ProbeFanout)
	}
	// Unset fields must keep their defaults.
	if cfg.FailureThreshold != 3 {
		t.Errorf("want default failure threshold 3, got %d", cfg.FailureThreshold)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte("listen_address: \":9000\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LISTEN_ADDRESS", ":9100")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != ":9100" {
		t.Errorf("want env override :9100, got %s", cfg.ListenAddress)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Default()
	cfg.HeartbeatInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("want error for zero heartbeat interval")
	}
}
