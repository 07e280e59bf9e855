package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rescale/rescale-xfer/internal/constants"
)

func TestNew(t *testing.T) {
	cfg := New()

	if cfg.General.LogLevel != "info" {
		t.Errorf("Expected LogLevel=info, got %s", cfg.General.LogLevel)
	}
	if cfg.General.MaxConcurrent != constants.DefaultMaxConcurrent {
		t.Errorf("Expected MaxConcurrent=%d, got %d", constants.DefaultMaxConcurrent, cfg.General.MaxConcurrent)
	}
	if cfg.General.RefreshTimeoutSeconds != 30 {
		t.Errorf("Expected RefreshTimeoutSeconds=30, got %d", cfg.General.RefreshTimeoutSeconds)
	}
	if !cfg.Notifications.Enabled || !cfg.Notifications.ShowSuccess || !cfg.Notifications.ShowError {
		t.Errorf("Expected all notifications enabled, got %+v", cfg.Notifications)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate, got %v", err)
	}
}

func TestLoadSave(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "xfer.conf")

	cfg := New()
	cfg.General.LogLevel = "debug"
	cfg.General.MaxConcurrent = 8
	cfg.Proxy.Mode = "ntlm"
	cfg.Proxy.Host = "proxy.corp"
	cfg.Proxy.User = "alice"
	cfg.Proxy.PasswordEnv = "XFER_PROXY_PASSWORD"
	cfg.Notifications.ShowSuccess = false
	cfg.SetConnection(Connection{ID: "hpc", Type: TypeSFTP, Host: "login.example.com", Port: 2222, User: "alice", KeyFile: "/keys/id", Insecure: true})
	cfg.SetConnection(Connection{ID: "archive", Type: TypeS3, Bucket: "results", Region: "us-west-2", Prefix: "runs", AccessKeyEnv: "AK", SecretKeyEnv: "SK"})
	cfg.SetConnection(Connection{ID: "blob", Type: TypeAzure, ServiceURL: "https://acct.blob.core.windows.net/", Container: "data", SASTokenEnv: "SAS"})

	if err := Save(cfg, configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatal("Config file was not created")
	}
	if info.Mode().Perm() != 0600 && os.PathSeparator == '/' {
		t.Errorf("Expected 0600 permissions, got %o", info.Mode().Perm())
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loaded.General != cfg.General {
		t.Errorf("General mismatch: expected %+v, got %+v", cfg.General, loaded.General)
	}
	if loaded.Proxy != cfg.Proxy {
		t.Errorf("Proxy mismatch: expected %+v, got %+v", cfg.Proxy, loaded.Proxy)
	}
	if loaded.Notifications != cfg.Notifications {
		t.Errorf("Notifications mismatch: expected %+v, got %+v", cfg.Notifications, loaded.Notifications)
	}
	if len(loaded.Connections) != 3 {
		t.Fatalf("Expected 3 connections, got %d", len(loaded.Connections))
	}
	for _, want := range cfg.Connections {
		got, err := loaded.Connection(want.ID)
		if err != nil {
			t.Errorf("Connection %s missing: %v", want.ID, err)
			continue
		}
		if got != want {
			t.Errorf("Connection %s mismatch:\nexpected %+v\ngot      %+v", want.ID, want, got)
		}
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil {
		t.Fatalf("Expected no error for missing file, got %v", err)
	}
	if cfg.General.LogLevel != "info" || len(cfg.Connections) != 0 {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
}

func TestLoad_PartialFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "xfer.conf")
	content := `[general]
max_concurrent = 2

[notifications]
show_error = false

[connection.lab]
type = SFTP
host = lab.local
key_file = ~/.ssh/id_lab
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.General.MaxConcurrent != 2 {
		t.Errorf("Expected MaxConcurrent=2, got %d", cfg.General.MaxConcurrent)
	}
	if cfg.General.LogLevel != "info" {
		t.Errorf("Expected default LogLevel, got %s", cfg.General.LogLevel)
	}
	if !cfg.Notifications.Enabled || cfg.Notifications.ShowError {
		t.Errorf("Unexpected notifications: %+v", cfg.Notifications)
	}

	conn, err := cfg.Connection("lab")
	if err != nil {
		t.Fatal(err)
	}
	if conn.Type != TypeSFTP {
		t.Errorf("Expected type to be lowercased, got %s", conn.Type)
	}
	home, _ := os.UserHomeDir()
	if home != "" && conn.KeyFile != filepath.Join(home, ".ssh", "id_lab") {
		t.Errorf("Expected ~ expansion, got %s", conn.KeyFile)
	}
}

func TestLoad_Malformed(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "xfer.conf")
	if err := os.WriteFile(configPath, []byte("[general\nbroken"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(configPath); err == nil {
		t.Error("Expected error for malformed file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(c *Config) {}, nil},
		{"bad log level", func(c *Config) { c.General.LogLevel = "loud" }, ErrInvalidLogLevel},
		{"max concurrent zero", func(c *Config) { c.General.MaxConcurrent = 0 }, ErrInvalidMaxConcurrent},
		{"max concurrent too high", func(c *Config) { c.General.MaxConcurrent = 33 }, ErrInvalidMaxConcurrent},
		{"refresh timeout", func(c *Config) { c.General.RefreshTimeoutSeconds = 0 }, ErrInvalidRefreshTimeout},
		{"proxy mode", func(c *Config) { c.Proxy.Mode = "socks" }, ErrInvalidProxyMode},
		{"unknown type", func(c *Config) { c.SetConnection(Connection{ID: "x", Type: "ftp"}) }, ErrUnknownConnectionType},
		{"sftp without host", func(c *Config) { c.SetConnection(Connection{ID: "x", Type: TypeSFTP}) }, ErrMissingHost},
		{"s3 without bucket", func(c *Config) { c.SetConnection(Connection{ID: "x", Type: TypeS3}) }, ErrMissingBucket},
		{"azure without container", func(c *Config) {
			c.SetConnection(Connection{ID: "x", Type: TypeAzure, ServiceURL: "https://a"})
		}, ErrMissingContainer},
		{"reserved id", func(c *Config) { c.SetConnection(Connection{ID: "local", Type: TypeLocal}) }, ErrReservedConnectionID},
		{"duplicate", func(c *Config) {
			c.Connections = append(c.Connections,
				Connection{ID: "d", Type: TypeLocal},
				Connection{ID: "d", Type: TypeLocal})
		}, ErrDuplicateConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConnectionLookup(t *testing.T) {
	cfg := New()

	local, err := cfg.Connection(constants.LocalConnectionID)
	if err != nil || local.Type != TypeLocal {
		t.Errorf("Local connection should always resolve, got %+v, %v", local, err)
	}

	if _, err := cfg.Connection("nope"); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("Expected ErrConnectionNotFound, got %v", err)
	}

	cfg.SetConnection(Connection{ID: "a", Type: TypeSFTP, Host: "one"})
	cfg.SetConnection(Connection{ID: "a", Type: TypeSFTP, Host: "two"})
	if len(cfg.Connections) != 1 || cfg.Connections[0].Host != "two" {
		t.Errorf("SetConnection should replace by id, got %+v", cfg.Connections)
	}
}

func TestProxyConfigReadsPasswordFromEnv(t *testing.T) {
	t.Setenv("XFER_TEST_PROXY_PW", "s3cret")

	cfg := New()
	cfg.Proxy = ProxySettings{Mode: "basic", Host: "proxy", Port: 3128, User: "bob", PasswordEnv: "XFER_TEST_PROXY_PW"}

	p := cfg.ProxyConfig()
	if p.Password != "s3cret" || p.Host != "proxy" || p.Port != 3128 || p.User != "bob" {
		t.Errorf("Unexpected proxy config: %+v", p)
	}
	if Secret("") != "" {
		t.Error("Empty env name should yield empty secret")
	}
}

func TestLoadEnvFile(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(envPath, []byte("XFER_TEST_FROM_FILE=hello\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("XFER_TEST_FROM_FILE", "")
	os.Unsetenv("XFER_TEST_FROM_FILE")

	if err := LoadEnvFile(envPath); err != nil {
		t.Fatalf("LoadEnvFile failed: %v", err)
	}
	if got := os.Getenv("XFER_TEST_FROM_FILE"); got != "hello" {
		t.Errorf("Expected hello, got %q", got)
	}

	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("Expected error for an explicit missing env file")
	}
}
