package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shawl-hpc/shawl/internal/backup"
	"github.com/shawl-hpc/shawl/internal/constants"
	"github.com/shawl-hpc/shawl/internal/lifecycle"
	"github.com/shawl-hpc/shawl/internal/reconcile"
	"github.com/shawl-hpc/shawl/internal/recovery"
	"github.com/shawl-hpc/shawl/internal/remote"
	"github.com/shawl-hpc/shawl/internal/server"
	"github.com/shawl-hpc/shawl/internal/transfer"
)

// newServeCmd creates the 'serve' command.
func newServeCmd() *cobra.Command {
	var (
		listen string
		port   int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP API",
		Long: `Run the local HTTP API that manages runs.

On start the state file is loaded and runs left uploading or downloading by
a previous process are marked failed. The stored connection, if any, is
used to connect to the login node.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := GetLogger()
			ctx := GetContext(cmd)

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.Listen = listen
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			store, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			if _, err := recovery.Recover(store, log); err != nil {
				return err
			}

			conn := store.Connection()
			if conn.Host == "" {
				conn.Host = cfg.Remote.Host
			}
			if conn.Username == "" {
				conn.Username = cfg.Remote.Username
			}
			session := newSSHSession(conn.Host, conn.Username, conn.Credential, log)
			defer session.Close()
			if conn.IsComplete() {
				if err := session.Reconnect(ctx); err != nil {
					log.Warn().Err(err).Msg("Could not connect at startup, log in through the API")
				}
			}

			sched := remote.NewScheduler(session, log)
			queue := transfer.NewQueue(cfg.Runs.MaxConcurrent)
			ctrl := lifecycle.NewController(store, session, sched, queue, lifecycle.Options{
				RunsDir:     cfg.Remote.RunsDir,
				DownloadDir: cfg.Paths.DownloadDir,
				JobPattern:  cfg.Runs.JobPattern,
			}, log)
			engine := reconcile.NewEngine(store, sched, log)
			newBackup := func(ctx context.Context) (backup.Target, error) {
				return backup.Select(ctx, cfg.Backup, session)
			}

			srv := server.New(store, ctrl, engine, session, newBackup, log)
			log.Info().
				Str("state_file", store.Path()).
				Int("runs", store.Len()).
				Int("max_concurrent", cfg.Runs.MaxConcurrent).
				Msg("Starting shawl server")

			serveErr := srv.ListenAndServe(ctx, cfg.ListenAddress())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
			defer cancel()
			ctrl.Shutdown(shutdownCtx)
			if serveErr != nil {
				return fmt.Errorf("server stopped: %w", serveErr)
			}
			log.Info().Msg("Server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", constants.DefaultListenAddr, "Address to listen on")
	cmd.Flags().IntVarP(&port, "port", "p", constants.DefaultPort, "Port to listen on")

	return cmd
}
