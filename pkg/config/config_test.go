package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	_ = os.Setenv("NODE_ID", "test-node")
	defer os.Unsetenv("NODE_ID")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultPort != defaultPort {
		t.Fatalf("expected default port %d, got %d", defaultPort, cfg.DefaultPort)
	}
	if cfg.MinPeersForSync != defaultMinPeersForSync {
		t.Fatalf("expected min peers %d, got %d", defaultMinPeersForSync, cfg.MinPeersForSync)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Fatalf("expected ping interval 30s, got %s", cfg.PingInterval)
	}
}

func TestLoadRequiresNodeID(t *testing.T) {
	_ = os.Unsetenv("NODE_ID")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty NODE_ID")
	}
}

func TestLoadBootstrapNodes(t *testing.T) {
	_ = os.Setenv("NODE_ID", "test-node")
	_ = os.Setenv("BOOTSTRAP_NODES", "10.0.0.1:8333,10.0.0.2:8333")
	defer os.Unsetenv("NODE_ID")
	defer os.Unsetenv("BOOTSTRAP_NODES")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.BootstrapNodes) != 2 || cfg.BootstrapNodes[0] != "10.0.0.1:8333" {
		t.Fatalf("unexpected bootstrap nodes: %v", cfg.BootstrapNodes)
	}
}
