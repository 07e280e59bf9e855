// Package cli provides the command-line interface for rescale-xfer.
package cli

import (
	"context"
	"crypto/fips140"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rescale/rescale-xfer/internal/config"
	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/core"
	xferhttp "github.com/rescale/rescale-xfer/internal/http"
	"github.com/rescale/rescale-xfer/internal/logging"
	"github.com/rescale/rescale-xfer/internal/version"
)

var (
	// Global flags
	cfgFile       string
	envFile       string
	verbose       bool
	debug         bool
	maxConcurrent int
	noProgress    bool

	// Loaded by the root pre-run
	appConfig *config.Config

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// FIPSStatus returns FIPS 140-3 mode status string
func FIPSStatus() string {
	if fips140.Enabled() {
		return "[FIPS 140-3]"
	}
	return "[FIPS: disabled]"
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rescale-xfer",
		Short: "Move files between this machine, SFTP servers and object stores",
		Long: `Rescale Xfer ` + version.Version + ` - Built: ` + version.BuildTime + ` ` + FIPSStatus() + `
Transfer files between the local machine and configured connections.

Connections are defined in xfer.conf ([connection.<id>] sections); the
local filesystem is always available as "local". Secrets are read from
environment variables, optionally loaded from a .env file.

Every upload, copy, rename and delete is reported as a desktop
notification and the affected directory listing is refreshed.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger = logging.NewDefaultCLILogger()

			if err := config.LoadEnvFile(envFile); err != nil {
				return err
			}

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-concurrent") {
				if maxConcurrent < constants.MinMaxConcurrent || maxConcurrent > constants.MaxMaxConcurrent {
					return fmt.Errorf("--max-concurrent must be between %d and %d, got %d",
						constants.MinMaxConcurrent, constants.MaxMaxConcurrent, maxConcurrent)
				}
				cfg.General.MaxConcurrent = maxConcurrent
			}
			appConfig = cfg

			level, err := logging.ParseLevel(cfg.General.LogLevel)
			if err != nil {
				logger.Warn().Str("log_level", cfg.General.LogLevel).Msg("Unknown log level, using info")
				level = zerolog.InfoLevel
			}
			if verbose || debug {
				level = zerolog.DebugLevel
			}
			logging.SetGlobalLevel(level)

			// NTLM uses MD4/MD5, which FIPS mode rejects
			if fips140.Enabled() && strings.EqualFold(cfg.Proxy.Mode, xferhttp.ProxyModeNTLM) {
				logger.Warn().Msg("NTLM proxy mode uses non-FIPS algorithms; use basic proxy mode over TLS for strict FIPS compliance")
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path (default ~/.config/rescale/xfer.conf)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file (default .env if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")
	rootCmd.PersistentFlags().IntVar(&maxConcurrent, "max-concurrent", constants.DefaultMaxConcurrent,
		fmt.Sprintf("Maximum simultaneous transfers (%d-%d, overrides config)", constants.MinMaxConcurrent, constants.MaxMaxConcurrent))
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "Disable progress bars")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ") " + FIPSStatus()

	completionCmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts to enable tab-completion for rescale-xfer.

QUICK START:

  zsh:
    rescale-xfer completion zsh > "${fpath[1]}/_rescale-xfer"

  bash:
    rescale-xfer completion bash | sudo tee /etc/bash_completion.d/rescale-xfer

  fish:
    rescale-xfer completion fish > ~/.config/fish/completions/rescale-xfer.fish

  PowerShell:
    rescale-xfer completion powershell >> $PROFILE`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return rootCmd.GenBashCompletion(out)
			case "zsh":
				return rootCmd.GenZshCompletion(out)
			case "fish":
				return rootCmd.GenFishCompletion(out, true)
			case "powershell":
				return rootCmd.GenPowerShellCompletion(out)
			}
			return fmt.Errorf("unsupported shell: %s", args[0])
		},
	}
	rootCmd.AddCommand(completionCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	return rootCmd
}

// Execute runs the CLI.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Loop so repeated Ctrl+C presses don't kill the process mid-cleanup
	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\n\nReceived signal %v, cancelling transfers...\n", sig)
				fmt.Fprintf(os.Stderr, "   Please wait for cleanup to complete.\n\n")
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.Execute()

	signal.Stop(sigChan)
	close(sigChan)

	return err
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newCpCmd())
	rootCmd.AddCommand(newMvCmd())
	rootCmd.AddCommand(newRmCmd())
	rootCmd.AddCommand(newLsCmd())
	rootCmd.AddCommand(newConfigCmd())
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetContext returns the global CLI context, cancelled on Ctrl+C.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}

// GetConfig returns the configuration loaded for this invocation.
func GetConfig() *config.Config {
	if appConfig == nil {
		appConfig = config.New()
	}
	return appConfig
}

// withEngine runs fn with a started engine and closes it on every exit path.
func withEngine(fn func(ctx context.Context, eng *core.Engine) error) error {
	ctx := GetContext()

	eng, err := core.NewEngine(GetConfig(), GetLogger())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			GetLogger().Warn().Err(closeErr).Msg("Failed to close connections cleanly")
		}
	}()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, eng)
}
