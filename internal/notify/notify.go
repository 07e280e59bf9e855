// Package notify surfaces user-visible messages as log lines and desktop notifications.
// It uses github.com/gen2brain/beeep for cross-platform notification support.
package notify

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/rescale/rescale-xfer/internal/logging"
)

// Severity classifies a notification.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

const appTitle = "Rescale Xfer"

// Notifier handles desktop notifications.
type Notifier struct {
	logger *logging.Logger
	cfg    Config
	mu     sync.RWMutex

	// desktop delivery, swapped out in tests
	notify func(title, message string) error
	alert  func(title, message string) error
}

// Config holds notification configuration.
type Config struct {
	// Enabled determines if desktop notifications are sent at all.
	Enabled bool

	// ShowSuccess shows notifications for successful operations.
	ShowSuccess bool

	// ShowError shows notifications for failed operations.
	ShowError bool
}

// DefaultConfig returns the default notification configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		ShowSuccess: true,
		ShowError:   true,
	}
}

// NewNotifier creates a new notifier with the given configuration.
func NewNotifier(cfg *Config, logger *logging.Logger) *Notifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Notifier{
		logger: logging.OrDefault(logger),
		cfg:    *cfg,
		notify: func(title, message string) error {
			// Windows toast, macOS notification center, D-Bus on Linux
			return beeep.Notify(title, message, "")
		},
		alert: func(title, message string) error {
			return beeep.Alert(title, message, "")
		},
	}
}

// SetEnabled enables or disables notifications.
func (n *Notifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg.Enabled = enabled
}

// IsEnabled returns whether notifications are enabled.
func (n *Notifier) IsEnabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cfg.Enabled
}

func (n *Notifier) shows(severity Severity) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.cfg.Enabled {
		return false
	}
	if severity == SeverityError {
		return n.cfg.ShowError
	}
	return n.cfg.ShowSuccess
}

// Notify logs message and raises a desktop notification if enabled for severity.
// Delivery failures are logged, never returned.
func (n *Notifier) Notify(message string, severity Severity) {
	if severity == SeverityError {
		n.logger.Error().Msg(message)
	} else {
		n.logger.Info().Msg(message)
	}

	if !n.shows(severity) {
		return
	}

	message = truncate(message, 200)
	if severity == SeverityError {
		n.Alert(message)
		return
	}
	if err := n.notify(appTitle, message); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to send notification")
	}
}

// TransferFinished sends a notification for a finished transfer of file to dest.
func (n *Notifier) TransferFinished(name, dest string) {
	n.Notify("Transferred \""+truncate(name, 40)+"\" to "+shortenPath(dest), SeveritySuccess)
}

// Alert sends an alert notification (error level).
func (n *Notifier) Alert(message string) {
	if !n.IsEnabled() {
		return
	}

	title := appTitle + " Alert"

	// Alert is more prominent on some platforms; fall back to a plain notification
	if err := n.alert(title, message); err != nil {
		if err := n.notify(title, message); err != nil {
			n.logger.Error().Err(err).Str("message", message).Msg("Failed to send alert notification")
		}
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// shortenPath abbreviates a long path for display in notifications.
func shortenPath(path string) string {
	const maxLen = 60

	if len(path) <= maxLen {
		return path
	}

	_, file := filepath.Split(path)
	parentDir := filepath.Base(filepath.Dir(path))
	short := filepath.Join("...", parentDir, file)

	vol := filepath.VolumeName(path)
	if vol != "" && len(vol)+len(short)+1 <= maxLen {
		short = vol + string(filepath.Separator) + short
	}

	if len(short) > maxLen {
		return "..." + path[len(path)-(maxLen-3):]
	}

	return short
}

// ParseNotifyConfig parses notification settings from an INI section.
// Expected keys: enabled, show_success, show_error
func ParseNotifyConfig(settings map[string]string) *Config {
	cfg := DefaultConfig()

	if v, ok := settings["enabled"]; ok {
		cfg.Enabled = strings.ToLower(v) == "true"
	}
	if v, ok := settings["show_success"]; ok {
		cfg.ShowSuccess = strings.ToLower(v) == "true"
	}
	if v, ok := settings["show_error"]; ok {
		cfg.ShowError = strings.ToLower(v) == "true"
	}

	return cfg
}
