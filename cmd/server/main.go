package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"safe-replies/internal/alerts"
	"safe-replies/internal/classifier"
	"safe-replies/internal/config"
	"safe-replies/internal/crypto"
	"safe-replies/internal/decision"
	"safe-replies/internal/enforcement"
	"safe-replies/internal/handler"
	"safe-replies/internal/ingestion"
	"safe-replies/internal/metrics"
	"safe-replies/internal/middleware"
	"safe-replies/internal/models"
	"safe-replies/internal/platform"
	"safe-replies/internal/queue"
	"safe-replies/internal/repository"
	"safe-replies/internal/server"
	"safe-replies/internal/suspicious"
	"safe-replies/internal/threat"
	"safe-replies/internal/token"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:          "safe-replies",
		Short:        "Comment moderation service for social media accounts",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "configs/config.yml", "path to the YAML config file")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server, queue workers and periodic sync",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cfgPath, func(ctx context.Context, a *app) error {
					return a.serve(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.LoadConfig(cfgPath)
				if err != nil {
					return err
				}
				logger, err := newLogger(cfg)
				if err != nil {
					return err
				}
				defer func() { _ = logger.Sync() }()
				db, err := repository.NewPostgresDB(cfg.Database.URL, logger)
				if err != nil {
					return err
				}
				defer db.Close()
				return repository.MigrateDB(db, cfg.Database.MigrationsPath, logrus.StandardLogger())
			},
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Backfill every connected account once and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cfgPath, func(ctx context.Context, a *app) error {
					a.syncer.SyncAll(ctx)
					a.ingest.WaitEnrichments()
					return nil
				})
			},
		},
		tokenCommand(&cfgPath),
	)

	return rootCmd
}

func tokenCommand(cfgPath *string) *cobra.Command {
	var (
		userID   int64
		username string
		role     string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for a user or agency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			tok, expires, err := middleware.NewToken([]byte(cfg.Auth.JWTSecret), userID, username, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires %s\n", tok, expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "user or agency id")
	cmd.Flags().StringVar(&username, "username", "", "display name carried in the token")
	cmd.Flags().StringVar(&role, "role", "user", "user or agency")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Log.Production {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

type app struct {
	cfg      *config.Config
	db       *sqlx.DB
	logger   *zap.Logger
	log      *logrus.Logger
	metrics  *metrics.Metrics
	bot      *alerts.Bot
	queue    *queue.Queue
	ingest   *ingestion.Service
	syncer   *ingestion.Syncer
	server   *server.Server
	closeFns []func()
}

// withApp loads the config, wires every component and runs fn until an
// interrupt arrives.
func withApp(cfgPath string, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialise application", zap.Error(err))
		return err
	}
	defer a.close()

	return fn(ctx, a)
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, log: logrus.New()}
	if cfg.Log.Production {
		a.log.SetFormatter(&logrus.JSONFormatter{})
	}

	db, err := repository.NewPostgresDB(cfg.Database.URL, logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closeFns = append(a.closeFns, func() { _ = db.Close() })

	if err := repository.MigrateDB(db, cfg.Database.MigrationsPath, a.log); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	keys, err := crypto.NewKeyManager(cfg.Crypto.TokenKey)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialise key manager: %w", err)
	}

	a.metrics, err = metrics.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		a.close()
		return nil, err
	}

	accounts := repository.NewAccountRepository(db, logger)
	posts := repository.NewPostRepository(db, logger)
	comments := repository.NewCommentRepository(db, logger)
	moderation := repository.NewModerationRepository(db, logger)
	suspects := repository.NewSuspiciousRepository(db, logger)
	threats := repository.NewThreatRepository(db, logger)
	jobs := repository.NewJobRepository(db, logger)

	a.queue = queue.New(jobs, queue.Options{
		Workers:        cfg.Queue.Workers,
		PollInterval:   cfg.Queue.PollInterval,
		Lease:          cfg.Queue.Lease,
		HandlerTimeout: cfg.Queue.HandlerTimeout,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		RetryDelay:     cfg.Queue.RetryDelay,
	}, a.metrics, logger)

	var notifier alerts.Notifier
	a.bot, err = alerts.NewBot(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID, a.queue.Stats, logger)
	if err != nil {
		logger.Warn("Failed to initialize Telegram bot, continuing without alerts", zap.Error(err))
		a.bot = nil
	}
	if a.bot != nil {
		notifier = a.bot
	}

	platformOpts := func(baseURL string) platform.Options {
		return platform.Options{
			BaseURL:           baseURL,
			APIVersion:        cfg.Platform.APIVersion,
			AppSecret:         cfg.Platform.AppSecret,
			RequestsPerSecond: cfg.Platform.RequestsPerSecond,
			Burst:             cfg.Platform.Burst,
			MaxRetries:        cfg.Platform.MaxRetries,
			Timeout:           cfg.Platform.Timeout,
		}
	}
	platforms := platform.NewRegistry(
		platform.NewInstagram(platformOpts(cfg.Platform.InstagramGraphURL), a.metrics, logger),
		platform.NewFacebook(platformOpts(cfg.Platform.GraphURL), a.metrics, logger),
	)

	cls, err := newClassifier(ctx, cfg, logger, a)
	if err != nil {
		a.close()
		return nil, err
	}

	resolver := token.NewResolver(accounts, keys, 10*time.Minute, logger)
	executor := enforcement.NewExecutor(comments, posts, accounts, moderation, resolver, platforms, notifier, a.metrics, logger)
	aggregator := suspicious.NewAggregator(suspects, comments, accounts, executor, notifier, suspicious.Config{
		AutoBlockAfter: cfg.Suspicious.AutoBlockAfter,
		AutoBlockRisk:  cfg.Suspicious.AutoBlockRisk,
	}, logger)
	correlator := threat.NewCorrelator(threats, keys, notifier, 5*time.Minute, logger)
	engine := decision.NewEngine(comments, posts, accounts, moderation, threats, cls, executor, aggregator, correlator, decision.Config{
		DegradedGlobal: cfg.Thresholds.DegradedGlobal,
		DegradedHide:   cfg.Thresholds.DegradedHide,
		ReportRisk:     cfg.Thresholds.ReportRisk,
	}, a.metrics, logger)
	a.queue.Register(models.JobClassifyComment, engine.HandleJob)

	a.ingest = ingestion.NewService(accounts, posts, comments, moderation, resolver, platforms, a.queue, notifier, a.metrics,
		ingestion.Options{MaxPosts: cfg.Sync.MaxPosts}, logger)
	a.syncer = ingestion.NewSyncer(a.ingest, accounts, cfg.Sync.Interval, cfg.Sync.Concurrency, logger)

	a.server = server.NewServer(server.Handlers{
		Webhook: handler.NewWebhookHandler(a.ingest, cfg.Platform.AppSecret, cfg.Platform.WebhookVerifyToken, a.metrics, logger),
		Comment: handler.NewCommentHandler(executor, engine, logger),
		Account: handler.NewAccountHandler(accounts, a.syncer, aggregator, logger),
		System:  handler.NewSystemHandler(db, a.queue, correlator, logger),
	}, []byte(cfg.Auth.JWTSecret), a.metrics, a.log, logger)

	return a, nil
}

// newClassifier chains the ML service and Gemini. Either may be absent; the
// decision engine falls back to the keyword heuristic when the chain fails.
func newClassifier(ctx context.Context, cfg *config.Config, logger *zap.Logger, a *app) (classifier.Classifier, error) {
	var providers []classifier.Classifier
	if cfg.Classifier.URL != "" {
		providers = append(providers, classifier.NewHTTPClient(cfg.Classifier.URL, cfg.Classifier.Timeout))
	}
	if cfg.Classifier.Gemini.APIKey != "" {
		gemini, err := classifier.NewGeminiClient(ctx, classifier.GeminiConfig{
			APIKey:    cfg.Classifier.Gemini.APIKey,
			ModelName: cfg.Classifier.Gemini.ModelName,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closeFns = append(a.closeFns, func() { _ = gemini.Close() })
		providers = append(providers, gemini)
	}
	if len(providers) == 0 {
		logger.Warn("No classifier provider configured, every decision runs in degraded mode")
	}
	return classifier.NewFallback(logger, providers...), nil
}

func (a *app) serve(ctx context.Context) error {
	if a.bot != nil {
		go func() {
			if err := a.bot.Start(ctx); err != nil {
				a.logger.Error("Telegram bot failed", zap.Error(err))
			}
		}()
	}

	go a.queue.Run(ctx)
	go a.syncer.Run(ctx)

	err := a.server.Run(ctx, ":"+a.cfg.Server.Port)
	a.ingest.WaitEnrichments()
	a.logger.Info("Application stopped.")
	return err
}

func (a *app) close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
}
