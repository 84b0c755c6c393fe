package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ekzhang/rushlight/internal/checkpoint"
	"github.com/ekzhang/rushlight/internal/collab"
	"github.com/ekzhang/rushlight/internal/compaction"
	"github.com/ekzhang/rushlight/internal/config"
	"github.com/ekzhang/rushlight/internal/database"
	"github.com/ekzhang/rushlight/internal/logging"
	"github.com/ekzhang/rushlight/internal/ot"
	"github.com/ekzhang/rushlight/internal/presence"
	"github.com/ekzhang/rushlight/internal/server"
	"github.com/ekzhang/rushlight/internal/updatelog"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rushlight-server",
		Short: "Collaborative text document synchronization server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("compaction-interval", defaults.GetDuration("collab.compaction_interval"), "Delay between a push and the compaction it schedules")
	cmd.PersistentFlags().Duration("blocking-timeout", defaults.GetDuration("collab.blocking_timeout"), "How long a pull waits for new updates")
	cmd.PersistentFlags().Duration("presence-ttl", defaults.GetDuration("collab.presence_ttl"), "How long presence entries stay visible")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "collab.compaction_interval", "compaction-interval")
	bindFlag(cmd, "collab.blocking_timeout", "blocking-timeout")
	bindFlag(cmd, "collab.presence_ttl", "presence-ttl")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	log, err := updatelog.NewLog(updatelog.Config{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	checkpoints, err := checkpoint.NewStore(checkpoint.Config{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	dirty, err := compaction.NewQueue(compaction.QueueConfig{Database: db})
	if err != nil {
		return err
	}

	collabService, err := collab.NewService(collab.ServiceConfig{
		Log:                log,
		Checkpoints:        checkpoints,
		Dirty:              dirty,
		Applier:            ot.Applier{},
		Presence:           presence.NewRegistry(appConfig.PresenceTTL, time.Now),
		Logger:             logger,
		CompactionInterval: appConfig.CompactionInterval,
		BlockingTimeout:    appConfig.BlockingTimeout,
	})
	if err != nil {
		return err
	}

	worker, err := compaction.NewWorker(compaction.WorkerConfig{
		Queue:     dirty,
		Compactor: collabService,
		Logger:    logger,
		Interval:  appConfig.CompactionInterval,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Collab: collabService,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go worker.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
