package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/renote/internal/config"
	"github.com/MarcoPoloResearchLab/renote/internal/database"
	"github.com/MarcoPoloResearchLab/renote/internal/faststore"
	"github.com/MarcoPoloResearchLab/renote/internal/health"
	"github.com/MarcoPoloResearchLab/renote/internal/logging"
	"github.com/MarcoPoloResearchLab/renote/internal/replay"
	"github.com/MarcoPoloResearchLab/renote/internal/server"
	"github.com/MarcoPoloResearchLab/renote/internal/state"
	"github.com/MarcoPoloResearchLab/renote/internal/versions"
	"github.com/MarcoPoloResearchLab/renote/internal/writepath"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "renote-api",
		Short: "Renote card store with write-behind persistence",
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
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Bool("write-behind", defaults.GetBool("write_behind.enabled"), "Enable the write-behind replay engine")
	cmd.PersistentFlags().String("write-behind-mode", defaults.GetString("write_behind.mode"), "Replay mode (continuous, batch)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "write_behind.enabled", "write-behind")
	bindFlag(cmd, "write_behind.mode", "write-behind-mode")
	bindFlag(cmd, "log.level", "log-level")
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Username: appConfig.RedisUsername,
		Password: appConfig.RedisPassword,
	})
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		return err
	}

	store, err := faststore.New(redisClient)
	if err != nil {
		return err
	}

	assembler, err := state.NewAssembler(state.AssemblerConfig{
		Store:    store,
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	writer, err := writepath.NewService(writepath.ServiceConfig{
		Store:       store,
		Database:    db,
		Clock:       time.Now,
		Logger:      logger,
		WriteBehind: appConfig.WriteBehind,
		RequireUUID: appConfig.RequireUUID,
		MaxTextLen:  appConfig.MaxTextLen,
	})
	if err != nil {
		return err
	}

	versionService, err := versions.NewService(versions.ServiceConfig{
		Store:         store,
		Database:      db,
		Writer:        writer,
		Clock:         time.Now,
		Logger:        logger,
		MaxPerCard:    appConfig.VersionMaxPerCard,
		MinInterval:   appConfig.VersionMinInterval,
		MinSizeDelta:  appConfig.VersionMinSizeDelta,
		RetentionDays: appConfig.VersionRetentionDays,
	})
	if err != nil {
		return err
	}

	engine, err := replay.NewEngine(replay.EngineConfig{
		Store:          store,
		Database:       db,
		Versions:       versionService,
		Queue:          replay.NewPendingQueue(),
		Clock:          time.Now,
		Logger:         logger,
		Enabled:        appConfig.WriteBehind,
		BatchSize:      int64(appConfig.BatchSize),
		EscalatedBatch: int64(appConfig.EscalatedBatch),
		ProbeSize:      int64(appConfig.ProbeSize),
		MaxBatch:       appConfig.MaxBatch,
		FlushThreshold: appConfig.FlushThreshold,
		TrimEvery:      appConfig.TrimEvery,
		StreamMaxLen:   int64(appConfig.StreamMaxLen),
		BlockTimeout:   appConfig.BlockTimeout,
		PruneEmpty:     appConfig.PruneEmpty,
		EmptyMinLen:    appConfig.EmptyMinLen,
	})
	if err != nil {
		return err
	}

	estimator, err := health.NewEstimator(health.EstimatorConfig{
		Store:             store,
		Clock:             time.Now,
		Logger:            logger,
		OKThreshold:       appConfig.OKLagThreshold,
		DegradedThreshold: appConfig.DegradedLagThreshold,
		BatchMode:         appConfig.WriteBehindMode == config.ModeBatch,
		ExpectedInterval:  appConfig.ExpectedFlushEvery,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Assembler:       assembler,
		Writer:          writer,
		Engine:          engine,
		Estimator:       estimator,
		Versions:        versionService,
		Store:           store,
		Database:        db,
		Logger:          logger,
		WriteBehind:     appConfig.WriteBehind,
		StreamMaxLen:    int64(appConfig.StreamMaxLen),
		RateLimitMax:    appConfig.RateLimitMax,
		RateLimitWindow: appConfig.RateLimitWindow,
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

	if appConfig.WriteBehind && appConfig.WriteBehindMode == config.ModeContinuous {
		go func() {
			if err := engine.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("replay loop stopped", zap.Error(err))
			}
		}()
	}

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
