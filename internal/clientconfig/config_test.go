package clientconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	yaml := `
defaults:
  timeout: 2s
  total_timeout: 10s
  connect_attempts: 3
  compression: zstd
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Defaults.Timeout != 2*time.Second {
		t.Errorf("expected timeout 2s, got %v", cfg.Defaults.Timeout)
	}
	if cfg.Defaults.ConnectAttempts != 3 {
		t.Errorf("expected connect_attempts 3, got %d", cfg.Defaults.ConnectAttempts)
	}
	if cfg.Defaults.Compression != "zstd" {
		t.Errorf("expected compression zstd, got %q", cfg.Defaults.Compression)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, "defaults: {}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Defaults.Timeout != 1*time.Second {
		t.Errorf("expected default timeout 1s, got %v", cfg.Defaults.Timeout)
	}
	if cfg.Defaults.TotalTimeout != 5*time.Second {
		t.Errorf("expected default total timeout 5s, got %v", cfg.Defaults.TotalTimeout)
	}
	if cfg.Defaults.ConnectAttempts != 1 {
		t.Errorf("expected default connect attempts 1, got %d", cfg.Defaults.ConnectAttempts)
	}
	if cfg.Defaults.DSCP != -1 {
		t.Errorf("expected default dscp -1, got %d", cfg.Defaults.DSCP)
	}
	if cfg.Defaults.StallThresholdMs != 50 {
		t.Errorf("expected default stall threshold 50, got %d", cfg.Defaults.StallThresholdMs)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("ASYNCMY_TEST_SERVER_NAME", "db.internal")
	defer os.Unsetenv("ASYNCMY_TEST_SERVER_NAME")

	path := writeTemp(t, `
tls:
  enabled: true
  server_name: ${ASYNCMY_TEST_SERVER_NAME}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.TLS.ServerName != "db.internal" {
		t.Errorf("expected substituted server name, got %q", cfg.TLS.ServerName)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "negative connect attempts",
			yaml: "defaults:\n  connect_attempts: -1\n",
		},
		{
			name: "cert without key",
			yaml: "tls:\n  enabled: true\n  cert_file: client.pem\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestBuildTLSConfigDisabled(t *testing.T) {
	tc := TLSConfig{Enabled: false}
	cfg, err := tc.BuildTLSConfig()
	if err != nil {
		t.Fatalf("BuildTLSConfig: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected a nil *tls.Config when TLS is disabled")
	}
}
