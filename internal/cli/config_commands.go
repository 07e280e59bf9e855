package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-xfer/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage rescale-xfer configuration",
		Long: `Configuration management commands for rescale-xfer.

Commands:
  init            - Write a default configuration file
  show            - Display current configuration
  path            - Show configuration file path
  add-connection  - Add or replace a connection`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())
	configCmd.AddCommand(newConfigAddConnectionCmd())

	return configCmd
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Write xfer.conf with default settings and no connections.

Use --force to overwrite an existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Printf("Configuration already exists at: %s\n", path)
					fmt.Println("Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			if err := config.Save(config.New(), path); err != nil {
				return err
			}
			fmt.Printf("Configuration written to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	return cmd
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetConfig()
			w := cmd.OutOrStdout()

			fmt.Fprintln(w, "Current Configuration")
			fmt.Fprintln(w, "=====================")
			fmt.Fprintln(w)

			fmt.Fprintln(w, "General:")
			fmt.Fprintf(w, "  Log Level:       %s\n", cfg.General.LogLevel)
			fmt.Fprintf(w, "  Max Concurrent:  %d\n", cfg.General.MaxConcurrent)
			fmt.Fprintf(w, "  Refresh Timeout: %ds\n", cfg.General.RefreshTimeoutSeconds)
			fmt.Fprintln(w)

			fmt.Fprintln(w, "Proxy Settings:")
			fmt.Fprintf(w, "  Proxy Mode: %s\n", cfg.Proxy.Mode)
			if cfg.Proxy.Host != "" {
				fmt.Fprintf(w, "  Proxy Host: %s\n", cfg.Proxy.Host)
				fmt.Fprintf(w, "  Proxy Port: %d\n", cfg.Proxy.Port)
			}
			if cfg.Proxy.User != "" {
				fmt.Fprintf(w, "  Proxy User: %s\n", cfg.Proxy.User)
				fmt.Fprintf(w, "  Password:   %s\n", secretStatus(cfg.Proxy.PasswordEnv))
			}
			fmt.Fprintln(w)

			fmt.Fprintln(w, "Notifications:")
			fmt.Fprintf(w, "  Enabled:      %t\n", cfg.Notifications.Enabled)
			fmt.Fprintf(w, "  Show Success: %t\n", cfg.Notifications.ShowSuccess)
			fmt.Fprintf(w, "  Show Error:   %t\n", cfg.Notifications.ShowError)
			fmt.Fprintln(w)

			fmt.Fprintln(w, "Connections:")
			fmt.Fprintln(w, "  local  (local filesystem)")
			for _, c := range cfg.Connections {
				fmt.Fprintf(w, "  %s  (%s)\n", c.ID, describeConnection(c))
			}

			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(w, "\nWarning: configuration is invalid: %v\n", err)
			}
			return nil
		},
	}
}

// describeConnection summarizes a connection without revealing secrets.
func describeConnection(c config.Connection) string {
	switch c.Type {
	case config.TypeSFTP:
		desc := fmt.Sprintf("sftp %s@%s", c.User, c.Host)
		if c.Port != 0 {
			desc += fmt.Sprintf(":%d", c.Port)
		}
		if c.PasswordEnv != "" {
			desc += ", password " + secretStatus(c.PasswordEnv)
		}
		if c.Insecure {
			desc += ", host key not verified"
		}
		return desc
	case config.TypeS3:
		desc := "s3 bucket " + c.Bucket
		if c.Endpoint != "" {
			desc += " at " + c.Endpoint
		}
		return desc
	case config.TypeAzure:
		return "azure container " + c.Container + " at " + c.ServiceURL
	}
	return c.Type
}

// secretStatus never prints any part of the secret itself.
func secretStatus(envName string) string {
	if envName == "" {
		return "<not configured>"
	}
	if config.Secret(envName) == "" {
		return fmt.Sprintf("<$%s not set>", envName)
	}
	return fmt.Sprintf("<set via $%s>", envName)
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

// newConfigAddConnectionCmd creates the 'config add-connection' command.
func newConfigAddConnectionCmd() *cobra.Command {
	var c config.Connection

	cmd := &cobra.Command{
		Use:   "add-connection <id>",
		Short: "Add or replace a connection",
		Long: `Add a [connection.<id>] section to xfer.conf, replacing one with the same id.

Secrets are never stored: pass the NAME of the environment variable that holds them.

Examples:
  rescale-xfer config add-connection hpc --type sftp --host login.example.com --user alice --key-file ~/.ssh/id_ed25519
  rescale-xfer config add-connection archive --type s3 --bucket results --region us-west-2 --access-key-env AWS_ACCESS_KEY_ID --secret-key-env AWS_SECRET_ACCESS_KEY
  rescale-xfer config add-connection blob --type azure --service-url https://acct.blob.core.windows.net/ --container data --sas-token-env AZURE_SAS`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.ID = args[0]
			c.Type = strings.ToLower(c.Type)

			path, err := configPath()
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			cfg.SetConnection(c)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("connection not saved: %w", err)
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Connection %q saved to %s\n", c.ID, path)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&c.Type, "type", "", "Connection type: sftp, s3, azure or local")
	f.StringVar(&c.Root, "root", "", "Directory listed by default")
	f.StringVar(&c.Host, "host", "", "SFTP host")
	f.IntVar(&c.Port, "port", 0, "SFTP port (default 22)")
	f.StringVar(&c.User, "user", "", "SFTP user")
	f.StringVar(&c.PasswordEnv, "password-env", "", "Environment variable holding the SFTP password")
	f.StringVar(&c.KeyFile, "key-file", "", "SFTP private key file")
	f.StringVar(&c.KnownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	f.BoolVar(&c.Insecure, "insecure", false, "Skip SFTP host key verification")
	f.StringVar(&c.Bucket, "bucket", "", "S3 bucket")
	f.StringVar(&c.Region, "region", "", "S3 region")
	f.StringVar(&c.Endpoint, "endpoint", "", "S3-compatible endpoint URL")
	f.StringVar(&c.Prefix, "prefix", "", "Object key prefix treated as the root")
	f.StringVar(&c.AccessKeyEnv, "access-key-env", "", "Environment variable holding the S3 access key id")
	f.StringVar(&c.SecretKeyEnv, "secret-key-env", "", "Environment variable holding the S3 secret key or Azure account key")
	f.StringVar(&c.ServiceURL, "service-url", "", "Azure Blob service URL")
	f.StringVar(&c.Container, "container", "", "Azure container")
	f.StringVar(&c.Account, "account", "", "Azure storage account name (shared key auth)")
	f.StringVar(&c.SASTokenEnv, "sas-token-env", "", "Environment variable holding an Azure SAS token")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

