// Package config loads and saves the xfer.conf INI file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	"github.com/rescale/rescale-xfer/internal/constants"
	xferhttp "github.com/rescale/rescale-xfer/internal/http"
	"github.com/rescale/rescale-xfer/internal/logging"
	"github.com/rescale/rescale-xfer/internal/notify"
)

// Config is the complete tool configuration.
//
// Config file location:
//   - Windows: %APPDATA%\Rescale\Xfer\xfer.conf
//   - Unix: ~/.config/rescale/xfer.conf
//
// INI format:
//
//	[general]
//	log_level = info
//	max_concurrent = 5
//	refresh_timeout_seconds = 30
//	proxy_mode = no-proxy
//	proxy_host =
//	proxy_port = 8080
//	proxy_user =
//	proxy_password_env = XFER_PROXY_PASSWORD
//	no_proxy = localhost,.internal
//
//	[notifications]
//	enabled = true
//	show_success = true
//	show_error = true
//
//	[connection.hpc]
//	type = sftp
//	host = login.example.com
//	user = alice
//	key_file = ~/.ssh/id_ed25519
//
// Secrets never live in the file: *_env keys name environment variables,
// which may be supplied through a .env file.
type Config struct {
	General       GeneralConfig
	Proxy         ProxySettings
	Notifications notify.Config
	Connections   []Connection
}

// GeneralConfig contains the [general] settings.
type GeneralConfig struct {
	// LogLevel is one of debug, info, warn, error. Default: info
	LogLevel string

	// MaxConcurrent is the number of simultaneous transfers for multi-file uploads.
	// Minimum: 1, Maximum: 32, Default: 5
	MaxConcurrent int

	// RefreshTimeoutSeconds bounds a directory re-fetch after an operation.
	// Minimum: 1, Maximum: 600, Default: 30
	RefreshTimeoutSeconds int
}

// ProxySettings contains the proxy keys of the [general] section.
type ProxySettings struct {
	Mode        string
	Host        string
	Port        int
	User        string
	PasswordEnv string
	NoProxy     string
}

// Connection types.
const (
	TypeLocal = "local"
	TypeSFTP  = "sftp"
	TypeS3    = "s3"
	TypeAzure = "azure"
)

// Connection is one [connection.<id>] section. Which keys apply depends on Type.
type Connection struct {
	ID   string
	Type string

	// local and sftp
	Root string

	// sftp
	Host        string
	Port        int
	User        string
	PasswordEnv string
	KeyFile     string
	KnownHosts  string
	Insecure    bool

	// s3 and azure
	Prefix       string
	SecretKeyEnv string // S3 secret access key or Azure account key

	// s3
	Bucket       string
	Region       string
	Endpoint     string
	AccessKeyEnv string

	// azure
	ServiceURL  string
	Container   string
	Account     string
	SASTokenEnv string
}

const connectionSectionPrefix = "connection."

// Validation errors
var (
	ErrInvalidLogLevel       = errors.New("log_level must be one of debug, info, warn, error")
	ErrInvalidMaxConcurrent  = errors.New("max_concurrent must be between 1 and 32")
	ErrInvalidRefreshTimeout = errors.New("refresh_timeout_seconds must be between 1 and 600")
	ErrInvalidProxyMode      = errors.New("proxy_mode must be one of no-proxy, system, basic, ntlm")
	ErrUnknownConnectionType = errors.New("type must be one of local, sftp, s3, azure")
	ErrDuplicateConnection   = errors.New("connection defined more than once")
	ErrReservedConnectionID  = errors.New("connection id is reserved")
	ErrMissingHost           = errors.New("host is required for sftp connections")
	ErrMissingBucket         = errors.New("bucket is required for s3 connections")
	ErrMissingContainer      = errors.New("service_url and container are required for azure connections")
	ErrConnectionNotFound    = errors.New("connection not found")
)

// New creates a Config with default values and no connections.
func New() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			MaxConcurrent:         constants.DefaultMaxConcurrent,
			RefreshTimeoutSeconds: int(constants.DefaultRefreshTimeout.Seconds()),
		},
		Proxy: ProxySettings{
			Mode: xferhttp.ProxyModeNone,
			Port: constants.DefaultProxyPort,
		},
		Notifications: *notify.DefaultConfig(),
	}
}

// LoadEnvFile loads environment variables from a .env file. An empty path means
// ".env" in the working directory, which is optional; an explicit path must exist.
// Variables already set in the environment are not overridden.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from path (default path when empty).
// A missing file yields the defaults and no error; a malformed one is an error.
func Load(path string) (*Config, error) {
	cfg := New()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", filepath.Base(path), err)
	}

	general := iniFile.Section("general")
	cfg.General.LogLevel = general.Key("log_level").MustString(cfg.General.LogLevel)
	cfg.General.MaxConcurrent = general.Key("max_concurrent").MustInt(cfg.General.MaxConcurrent)
	cfg.General.RefreshTimeoutSeconds = general.Key("refresh_timeout_seconds").MustInt(cfg.General.RefreshTimeoutSeconds)
	cfg.Proxy.Mode = general.Key("proxy_mode").MustString(cfg.Proxy.Mode)
	cfg.Proxy.Host = general.Key("proxy_host").String()
	cfg.Proxy.Port = general.Key("proxy_port").MustInt(cfg.Proxy.Port)
	cfg.Proxy.User = general.Key("proxy_user").String()
	cfg.Proxy.PasswordEnv = general.Key("proxy_password_env").String()
	cfg.Proxy.NoProxy = general.Key("no_proxy").String()

	if iniFile.HasSection("notifications") {
		cfg.Notifications = *notify.ParseNotifyConfig(iniFile.Section("notifications").KeysHash())
	}

	for _, section := range iniFile.Sections() {
		id, ok := strings.CutPrefix(section.Name(), connectionSectionPrefix)
		if !ok {
			continue
		}
		cfg.Connections = append(cfg.Connections, Connection{
			ID:           id,
			Type:         strings.ToLower(section.Key("type").String()),
			Root:         section.Key("root").String(),
			Host:         section.Key("host").String(),
			Port:         section.Key("port").MustInt(0),
			User:         section.Key("user").String(),
			PasswordEnv:  section.Key("password_env").String(),
			KeyFile:      expandHome(section.Key("key_file").String()),
			KnownHosts:   expandHome(section.Key("known_hosts").String()),
			Insecure:     section.Key("insecure").MustBool(false),
			Prefix:       section.Key("prefix").String(),
			SecretKeyEnv: section.Key("secret_key_env").String(),
			Bucket:       section.Key("bucket").String(),
			Region:       section.Key("region").String(),
			Endpoint:     section.Key("endpoint").String(),
			AccessKeyEnv: section.Key("access_key_env").String(),
			ServiceURL:   section.Key("service_url").String(),
			Container:    section.Key("container").String(),
			Account:      section.Key("account").String(),
			SASTokenEnv:  section.Key("sas_token_env").String(),
		})
	}

	return cfg, nil
}

// Save writes configuration to path (default path when empty).
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	general, err := iniFile.NewSection("general")
	if err != nil {
		return fmt.Errorf("failed to create general section: %w", err)
	}
	general.Key("log_level").SetValue(cfg.General.LogLevel)
	general.Key("max_concurrent").SetValue(strconv.Itoa(cfg.General.MaxConcurrent))
	general.Key("refresh_timeout_seconds").SetValue(strconv.Itoa(cfg.General.RefreshTimeoutSeconds))
	general.Key("proxy_mode").SetValue(cfg.Proxy.Mode)
	setIfNotEmpty(general, "proxy_host", cfg.Proxy.Host)
	general.Key("proxy_port").SetValue(strconv.Itoa(cfg.Proxy.Port))
	setIfNotEmpty(general, "proxy_user", cfg.Proxy.User)
	setIfNotEmpty(general, "proxy_password_env", cfg.Proxy.PasswordEnv)
	setIfNotEmpty(general, "no_proxy", cfg.Proxy.NoProxy)

	notifySection, err := iniFile.NewSection("notifications")
	if err != nil {
		return fmt.Errorf("failed to create notifications section: %w", err)
	}
	notifySection.Key("enabled").SetValue(strconv.FormatBool(cfg.Notifications.Enabled))
	notifySection.Key("show_success").SetValue(strconv.FormatBool(cfg.Notifications.ShowSuccess))
	notifySection.Key("show_error").SetValue(strconv.FormatBool(cfg.Notifications.ShowError))

	for _, c := range cfg.Connections {
		s, err := iniFile.NewSection(connectionSectionPrefix + c.ID)
		if err != nil {
			return fmt.Errorf("failed to create section for connection %s: %w", c.ID, err)
		}
		s.Key("type").SetValue(c.Type)
		setIfNotEmpty(s, "root", c.Root)
		setIfNotEmpty(s, "host", c.Host)
		if c.Port != 0 {
			s.Key("port").SetValue(strconv.Itoa(c.Port))
		}
		setIfNotEmpty(s, "user", c.User)
		setIfNotEmpty(s, "password_env", c.PasswordEnv)
		setIfNotEmpty(s, "key_file", c.KeyFile)
		setIfNotEmpty(s, "known_hosts", c.KnownHosts)
		if c.Insecure {
			s.Key("insecure").SetValue("true")
		}
		setIfNotEmpty(s, "prefix", c.Prefix)
		setIfNotEmpty(s, "secret_key_env", c.SecretKeyEnv)
		setIfNotEmpty(s, "bucket", c.Bucket)
		setIfNotEmpty(s, "region", c.Region)
		setIfNotEmpty(s, "endpoint", c.Endpoint)
		setIfNotEmpty(s, "access_key_env", c.AccessKeyEnv)
		setIfNotEmpty(s, "service_url", c.ServiceURL)
		setIfNotEmpty(s, "container", c.Container)
		setIfNotEmpty(s, "account", c.Account)
		setIfNotEmpty(s, "sas_token_env", c.SASTokenEnv)
	}

	// Temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

func setIfNotEmpty(s *ini.Section, key, value string) {
	if value != "" {
		s.Key(key).SetValue(value)
	}
}

// Validate checks the configuration and returns the first problem found.
func (cfg *Config) Validate() error {
	if _, err := logging.ParseLevel(cfg.General.LogLevel); err != nil {
		return ErrInvalidLogLevel
	}
	if cfg.General.MaxConcurrent < constants.MinMaxConcurrent || cfg.General.MaxConcurrent > constants.MaxMaxConcurrent {
		return ErrInvalidMaxConcurrent
	}
	if cfg.General.RefreshTimeoutSeconds < 1 || cfg.General.RefreshTimeoutSeconds > 600 {
		return ErrInvalidRefreshTimeout
	}
	switch strings.ToLower(cfg.Proxy.Mode) {
	case "", xferhttp.ProxyModeNone, xferhttp.ProxyModeSystem, xferhttp.ProxyModeBasic, xferhttp.ProxyModeNTLM:
	default:
		return ErrInvalidProxyMode
	}

	seen := make(map[string]bool, len(cfg.Connections))
	for _, c := range cfg.Connections {
		if c.ID == constants.LocalConnectionID {
			return fmt.Errorf("connection %q: %w", c.ID, ErrReservedConnectionID)
		}
		if seen[c.ID] {
			return fmt.Errorf("connection %q: %w", c.ID, ErrDuplicateConnection)
		}
		seen[c.ID] = true

		if err := c.Validate(); err != nil {
			return fmt.Errorf("connection %q: %w", c.ID, err)
		}
	}
	return nil
}

// Validate checks the keys required by the connection type.
func (c Connection) Validate() error {
	switch c.Type {
	case TypeLocal:
	case TypeSFTP:
		if strings.TrimSpace(c.Host) == "" {
			return ErrMissingHost
		}
	case TypeS3:
		if strings.TrimSpace(c.Bucket) == "" {
			return ErrMissingBucket
		}
	case TypeAzure:
		if strings.TrimSpace(c.ServiceURL) == "" || strings.TrimSpace(c.Container) == "" {
			return ErrMissingContainer
		}
	default:
		return ErrUnknownConnectionType
	}
	return nil
}

// Connection returns the connection with the given id. The local filesystem is
// always available under constants.LocalConnectionID.
func (cfg *Config) Connection(id string) (Connection, error) {
	if id == constants.LocalConnectionID {
		return Connection{ID: id, Type: TypeLocal}, nil
	}
	i := slices.IndexFunc(cfg.Connections, func(c Connection) bool { return c.ID == id })
	if i < 0 {
		return Connection{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	return cfg.Connections[i], nil
}

// SetConnection adds c or replaces the connection with the same id.
func (cfg *Config) SetConnection(c Connection) {
	for i := range cfg.Connections {
		if cfg.Connections[i].ID == c.ID {
			cfg.Connections[i] = c
			return
		}
	}
	cfg.Connections = append(cfg.Connections, c)
}

// ProxyConfig resolves the proxy settings, reading the password from the environment.
func (cfg *Config) ProxyConfig() xferhttp.ProxyConfig {
	return xferhttp.ProxyConfig{
		Mode:     cfg.Proxy.Mode,
		Host:     cfg.Proxy.Host,
		Port:     cfg.Proxy.Port,
		User:     cfg.Proxy.User,
		Password: Secret(cfg.Proxy.PasswordEnv),
		NoProxy:  cfg.Proxy.NoProxy,
	}
}

// Secret returns the value of the named environment variable, or "" when name is empty.
func Secret(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}

func expandHome(p string) string {
	rest, ok := strings.CutPrefix(p, "~/")
	if !ok {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, rest)
}
