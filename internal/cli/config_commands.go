package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shawl-hpc/shawl/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect shawl configuration",
		Long: `Configuration commands for shawl.

Commands:
  show  - Display current configuration
  path  - Show configuration file path

Use 'shawl configure' to write the configuration interactively.`,
	}

	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

// newConfigureCmd creates the 'configure' command.
func newConfigureCmd() *cobra.Command {
	var (
		force     bool
		tokenFile string
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Write the configuration interactively",
		Long: `Interactive setup of the login node, remote directories and batch
defaults. Existing values are offered as defaults.

The password for 'shawl run' can be stored in a separate token file with
0600 permissions, encrypted when seal_credential is on.

Use --force to overwrite an existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := GetLogger()
			out := cmd.OutOrStdout()

			path, err := configPath()
			if err != nil {
				return err
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'shawl config show' to view it.")
					return nil
				}
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			fmt.Fprintln(out, "shawl Configuration Setup")
			fmt.Fprintln(out, "=========================")
			fmt.Fprintln(out)

			p := newPrompter(cmd.InOrStdin(), out)
			if cfg.Remote.Host, err = p.require("Login node", cfg.Remote.Host); err != nil {
				return err
			}
			if cfg.Remote.Username, err = p.require("Username", cfg.Remote.Username); err != nil {
				return err
			}
			if cfg.Remote.RunsDir, err = p.require("Remote runs directory", cfg.Remote.RunsDir); err != nil {
				return err
			}
			downloadDir, err := p.require("Download directory", cfg.Paths.DownloadDir)
			if err != nil {
				return err
			}
			cfg.Paths.DownloadDir = config.ExpandHome(downloadDir)

			fmt.Fprintln(out)
			fmt.Fprintln(out, "Batch Settings (press Enter to keep)")
			fmt.Fprintln(out, "------------------------------------")
			localPath, err := p.ask("Local case directory", cfg.Batch.LocalPath)
			if err != nil {
				return err
			}
			cfg.Batch.LocalPath = config.ExpandHome(localPath)
			if cfg.Batch.RemotePath, err = p.ask("Remote case directory", cfg.Batch.RemotePath); err != nil {
				return err
			}
			if cfg.Batch.PollIntervalSeconds, err = p.askInt("Poll interval seconds", cfg.Batch.PollIntervalSeconds); err != nil {
				return err
			}
			if cfg.Batch.FailureRetries, err = p.askInt("Failure retries", cfg.Batch.FailureRetries); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			fmt.Fprintln(out)
			storePassword, err := p.confirm("Store a password for 'shawl run'?")
			if err != nil {
				return err
			}
			if storePassword {
				password, err := p.password("Password")
				if err != nil {
					return err
				}
				if password != "" {
					box, err := tokenBox(cfg)
					if err != nil {
						return err
					}
					tokenPath := tokenFile
					if tokenPath == "" {
						tokenPath = config.DefaultTokenPath()
					}
					tokenPath = config.ExpandHome(tokenPath)
					if err := config.WriteTokenFile(tokenPath, password, box); err != nil {
						return err
					}
					log.Info().Str("path", tokenPath).Bool("sealed", box != nil).Msg("Password saved")
					fmt.Fprintf(out, "Password saved to: %s\n", tokenPath)
				}
			}

			if err := config.Save(cfg, path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			log.Info().Str("path", path).Msg("Configuration saved")
			fmt.Fprintf(out, "Configuration saved to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	cmd.Flags().StringVar(&tokenFile, "token-file", "", "Where to store the password (default ~/.config/shawl/token)")

	return cmd
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the configuration loaded from the config file, with defaults
filled in for anything the file leaves out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg, path)
			return nil
		},
	}
}

func printConfig(w io.Writer, cfg *config.Config, path string) {
	orNone := func(s string) string {
		if s == "" {
			return "(not set)"
		}
		return s
	}

	fmt.Fprintf(w, "Config file: %s\n\n", path)
	fmt.Fprintln(w, "[remote]")
	fmt.Fprintf(w, "  host            %s\n", orNone(cfg.Remote.Host))
	fmt.Fprintf(w, "  username        %s\n", orNone(cfg.Remote.Username))
	fmt.Fprintf(w, "  runs_dir        %s\n", cfg.Remote.RunsDir)
	fmt.Fprintln(w, "[server]")
	fmt.Fprintf(w, "  address         %s\n", cfg.ListenAddress())
	fmt.Fprintln(w, "[paths]")
	fmt.Fprintf(w, "  state_file      %s\n", cfg.Paths.StateFile)
	fmt.Fprintf(w, "  download_dir    %s\n", cfg.Paths.DownloadDir)
	fmt.Fprintln(w, "[runs]")
	fmt.Fprintf(w, "  job_pattern     %s\n", cfg.Runs.JobPattern)
	fmt.Fprintf(w, "  max_concurrent  %d\n", cfg.Runs.MaxConcurrent)
	fmt.Fprintf(w, "  seal_credential %t\n", cfg.Runs.SealCredential)
	fmt.Fprintln(w, "[batch]")
	fmt.Fprintf(w, "  local_path      %s\n", orNone(cfg.Batch.LocalPath))
	fmt.Fprintf(w, "  remote_path     %s\n", orNone(cfg.Batch.RemotePath))
	fmt.Fprintf(w, "  poll_interval   %s\n", cfg.PollInterval())
	fmt.Fprintf(w, "  failure_retries %d\n", cfg.Batch.FailureRetries)
	fmt.Fprintln(w, "[backup]")
	if cfg.Backup.S3Bucket == "" {
		fmt.Fprintln(w, "  target          remote home")
	} else {
		fmt.Fprintf(w, "  target          s3://%s/%s\n", cfg.Backup.S3Bucket, cfg.Backup.S3Key)
	}
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
