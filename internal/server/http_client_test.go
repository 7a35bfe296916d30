package server

import (
	"testing"
	"time"

	"github.com/imgcache/imgcache/internal/config"
)

func TestNewDownloadClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			DownloadTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewDownloadClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
}

func TestNewDownloadClientDefaultsTimeout(t *testing.T) {
	client := NewDownloadClient(nil)
	if client.Timeout != 30*time.Second {
		t.Fatalf("expected default timeout 30s, got %s", client.Timeout)
	}
	if client.Transport == defaultTransport {
		t.Fatalf("each client should get its own transport clone")
	}
}
