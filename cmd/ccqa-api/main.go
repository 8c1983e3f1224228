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

	"github.com/qaops/ccqa-backend/internal/auth"
	"github.com/qaops/ccqa-backend/internal/config"
	"github.com/qaops/ccqa-backend/internal/database"
	"github.com/qaops/ccqa-backend/internal/forms"
	"github.com/qaops/ccqa-backend/internal/journal"
	"github.com/qaops/ccqa-backend/internal/logging"
	"github.com/qaops/ccqa-backend/internal/lookup"
	"github.com/qaops/ccqa-backend/internal/report"
	"github.com/qaops/ccqa-backend/internal/reviewers"
	"github.com/qaops/ccqa-backend/internal/server"
	"github.com/qaops/ccqa-backend/internal/sessions"
	"github.com/qaops/ccqa-backend/internal/store"
	"github.com/qaops/ccqa-backend/internal/submit"
	"github.com/qaops/ccqa-backend/internal/upstream"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ccqa-api",
		Short: "Call-center QA monitoring backend service",
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
	cmd.PersistentFlags().String("upstream-base-url", defaults.GetString("upstream.base_url"), "QA platform base URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("session-path", defaults.GetString("session.path"), "Session store directory")
	cmd.PersistentFlags().String("env-name", defaults.GetString("env.name"), "Environment name (dev or prod)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "upstream.base_url", "upstream-base-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "session.path", "session-path")
	bindFlag(cmd, "env.name", "env-name")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	sessionStore, err := store.Open(store.Config{
		Path:     appConfig.SessionPath,
		InMemory: appConfig.SessionInMemory,
	})
	if err != nil {
		return err
	}
	defer sessionStore.Close() //nolint:errcheck

	platform, err := upstream.NewClient(upstream.Config{
		BaseURL: appConfig.UpstreamBaseURL,
		Timeout: appConfig.UpstreamTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "ccqa-auth",
		Audience:      "ccqa-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	lookupService, err := lookup.NewService(lookup.ServiceConfig{
		Source:   platform,
		Cache:    sessionStore,
		CacheTTL: appConfig.CacheTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessionRegistry, err := sessions.NewRegistry(sessions.Config{
		Persistence: sessionStore,
		Templates:   lookupService,
		Environment: appConfig.Environment,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	reviewerService, err := reviewers.NewService(reviewers.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	journalService, err := journal.NewService(journal.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: journal.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	reportService, err := report.NewService(report.ServiceConfig{
		Source: platform,
		Mailer: platform,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	submitter, err := submit.NewSubmitter(submit.Config{
		BatchSize:    appConfig.EditBatchSize,
		PaceInterval: appConfig.PaceInterval,
		MaxAttempts:  appConfig.MaxAttempts,
		Sender:       &auditSender{platform: platform},
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	progress := server.NewProgressDispatcher()
	runner, err := submit.NewRunner(submit.RunnerConfig{
		Submitter: submitter,
		Reporter: &errorReporter{
			platform:   platform,
			recipients: appConfig.ErrorRecipients,
		},
		Logger:  logger,
		Publish: progress.Publish,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:     platform,
		TokenManager: tokenManager,
		Sessions:     sessionRegistry,
		Lookup:       lookupService,
		Runner:       runner,
		Forms:        platform,
		Reports:      reportService,
		Journal:      journalService,
		Reviewers:    reviewerService,
		Progress:     progress,
		BatchSizes: server.BatchSizes{
			Edit: appConfig.EditBatchSize,
			Bulk: appConfig.BulkBatchSize,
		},
		ReportRecipients: appConfig.ReportRecipients,
		Logger:           logger,
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

// auditSender adapts the upstream client to the submitter. The AI workflow is
// recognized by the record-number discriminator of the batch itself.
type auditSender struct {
	platform *upstream.Client
}

func (s *auditSender) SubmitBatch(ctx context.Context, batch []forms.AuditTransaction) error {
	ai := len(batch) > 0 && batch[0].AIRecordNumber != ""
	return s.platform.SubmitAuditTransactions(ctx, batch, ai)
}

// errorReporter emails submission failures to the configured operators.
// Without recipients the report is a no-op.
type errorReporter struct {
	platform   *upstream.Client
	recipients []string
}

func (r *errorReporter) ReportFailure(ctx context.Context, subject, detail string) error {
	if len(r.recipients) == 0 {
		return nil
	}
	return r.platform.EmailErrorReport(ctx, r.recipients, subject, detail)
}
