package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/coveragecheck/internal/catalog"
	"github.com/MarcoPoloResearchLab/coveragecheck/internal/challenge"
	"github.com/MarcoPoloResearchLab/coveragecheck/internal/config"
	"github.com/MarcoPoloResearchLab/coveragecheck/internal/database"
	"github.com/MarcoPoloResearchLab/coveragecheck/internal/logging"
	"github.com/MarcoPoloResearchLab/coveragecheck/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/coveragecheck/internal/server"
	"github.com/MarcoPoloResearchLab/coveragecheck/internal/verify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "coveragecheck-api",
		Short: "CoverageCheck insurance verification backend service",
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
	cmd.PersistentFlags().String("challenge-endpoint", defaults.GetString("challenge.endpoint"), "Bot-challenge adjudication endpoint")
	cmd.PersistentFlags().String("challenge-failure-mode", defaults.GetString("challenge.failure_mode"), "Gate behavior when adjudication is down (open, closed)")
	cmd.PersistentFlags().Bool("challenge-disabled", defaults.GetBool("challenge.disabled"), "Disable the bot-challenge gate (development only)")
	cmd.PersistentFlags().Int("submit-per-hour", defaults.GetInt("ratelimit.submit_per_hour"), "Submission ceiling per origin per hour")
	cmd.PersistentFlags().Int("vote-per-hour", defaults.GetInt("ratelimit.vote_per_hour"), "Vote ceiling per origin per hour")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "challenge.endpoint", "challenge-endpoint")
	bindFlag(cmd, "challenge.failure_mode", "challenge-failure-mode")
	bindFlag(cmd, "challenge.disabled", "challenge-disabled")
	bindFlag(cmd, "ratelimit.submit_per_hour", "submit-per-hour")
	bindFlag(cmd, "ratelimit.vote_per_hour", "vote-per-hour")
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

	directory, err := catalog.NewDirectory(db)
	if err != nil {
		return err
	}

	verifyService, err := verify.NewService(verify.ServiceConfig{
		Database:      db,
		Directory:     directory,
		Clock:         time.Now,
		IDProvider:    verify.NewUUIDProvider(),
		Logger:        logger,
		DedupWindow:   appConfig.DedupWindow,
		SubmissionTTL: appConfig.SubmissionTTL,
	})
	if err != nil {
		return err
	}

	store := ratelimit.NewMemoryStore(time.Hour)
	submitLimiter, err := ratelimit.New(ratelimit.Config{
		Scope:  "submit",
		Window: time.Hour,
		Max:    appConfig.SubmitPerHour,
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	voteLimiter, err := ratelimit.New(ratelimit.Config{
		Scope:  "vote",
		Window: time.Hour,
		Max:    appConfig.VotePerHour,
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	fallbackLimiter, err := ratelimit.New(ratelimit.Config{
		Scope:  "fallback",
		Window: time.Hour,
		Max:    appConfig.FallbackPerHour,
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	gate := challenge.NewGate(challenge.GateConfig{
		Endpoint:    appConfig.ChallengeEndpoint,
		Secret:      appConfig.ChallengeSecret,
		MinScore:    appConfig.ChallengeMinScore,
		Timeout:     appConfig.ChallengeTimeout,
		FailureMode: challenge.FailureMode(appConfig.ChallengeFailureMode),
		Disabled:    appConfig.ChallengeDisabled,
		Logger:      logger,
	})

	sweeper, err := verify.NewSweeper(verify.SweeperConfig{
		Service:          verifyService,
		Logger:           logger,
		Interval:         appConfig.SweepInterval,
		BatchSize:        appConfig.SweepBatchSize,
		BatchesPerSecond: appConfig.SweepBatchesPerSec,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		VerifyService:   verifyService,
		Gate:            gate,
		SubmitLimiter:   submitLimiter,
		VoteLimiter:     voteLimiter,
		FallbackLimiter: fallbackLimiter,
		Logger:          logger,
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

	go sweeper.Run(signalCtx)

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
