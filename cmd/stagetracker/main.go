// Package main provides the lead stage tracker service.
//
// The service receives Follow Up Boss webhooks, fetches the current person snapshot and
// appends a transition record whenever the person's pipeline stage changed.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/api"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/api/middleware"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/crm"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/dedup"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/ingestion"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/pipeline"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/publish"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/reconcile"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "stagetracker"

	startupTimeout = 30 * time.Second
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	hashKeyFlag := flag.Bool("hash-admin-key", false, "read an admin key from stdin and print its bcrypt hash")
	generateKeyFlag := flag.Bool("generate-admin-key", false, "generate a new admin key and print it with its hash")
	registerFlag := flag.String("register-webhooks", "", "subscribe the given callback URL to every tracked CRM event and exit")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *hashKeyFlag {
		os.Exit(hashAdminKey())
	}

	if *generateKeyFlag {
		os.Exit(generateAdminKey())
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	crmConfig := crm.LoadConfig()

	crmClient, err := crm.NewClient(crmConfig, crm.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to create CRM client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *registerFlag != "" {
		os.Exit(registerWebhooks(logger, crmClient, *registerFlag))
	}

	if serverConfig.WebhookSecret == "" {
		serverConfig.WebhookSecret = crmConfig.SystemKey()
	}

	if err := serverConfig.Validate(); err != nil {
		logger.Error("Invalid server configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Starting stage tracker service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
		slog.Bool("signature_verification", serverConfig.WebhookSecret != ""),
	)

	if serverConfig.WebhookSecret == "" {
		logger.Warn("Webhook signature verification disabled",
			slog.String("note", "Set STAGETRACKER_WEBHOOK_SECRET or STAGETRACKER_CRM_SYSTEM_KEY to verify FUB-Signature"),
		)
	}

	ranker, err := ingestion.LoadStageRankerFromEnv()
	if err != nil {
		logger.Error("Failed to load stage table", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Stage table loaded", slog.Int("stages", ranker.Len()))

	components, err := buildStore(logger)
	if err != nil {
		logger.Error("Failed to initialize transition store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	publishConfig := publish.LoadConfig()

	publisher, err := publish.New(publishConfig)
	if err != nil {
		logger.Error("Failed to create transition publisher", slog.String("error", err.Error()))
		_ = components.close(context.Background())
		//nolint:gocritic // explicit cleanup before os.Exit, defers would not run
		os.Exit(1)
	}

	logger.Info("Transition publisher initialized", slog.Bool("kafka_enabled", publishConfig.Enabled()))

	detector, err := ingestion.NewDetector(components.store, ranker,
		ingestion.WithPublisher(publisher),
		ingestion.WithLogger(logger),
	)
	if err != nil {
		logger.Error("Failed to create transition detector", slog.String("error", err.Error()))
		os.Exit(1)
	}

	dedupConfig := dedup.LoadConfig()
	if err := dedupConfig.Validate(); err != nil {
		logger.Warn("Invalid deduplicator configuration, using defaults", slog.String("error", err.Error()))
	}

	tracker := dedup.NewWindowTracker(dedupConfig)

	processor, err := pipeline.NewProcessor(pipeline.LoadConfig(), tracker, crmClient, detector,
		pipeline.WithLogger(logger),
	)
	if err != nil {
		logger.Error("Failed to create processor", slog.String("error", err.Error()))
		os.Exit(1)
	}

	processor.Start()

	poller, err := reconcile.NewPoller(reconcile.LoadConfig(), crmClient, detector, reconcile.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to create reconciliation poller", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := poller.Start(); err != nil {
		logger.Error("Failed to start reconciliation poller", slog.String("error", err.Error()))
		os.Exit(1)
	}

	middlewareConfig := middleware.LoadConfig()

	// Closed by server.Shutdown().
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("client_burst", middlewareConfig.ClientBurst),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		slog.Int("unauth_burst", middlewareConfig.UnAuthBurst),
	)

	deps := api.Dependencies{
		Ingestor:    processor,
		Transitions: components.store,
		Reconciler:  poller,
		Summarizer:  components.summarizer,
		Webhooks:    crmClient,
		RateLimiter: rateLimiter,
		Logger:      logger,
		Version:     version,
		Closers: []api.NamedCloser{
			{Name: "reconciliation poller", Closer: poller.Stop},
			{Name: "processor", Closer: processor.Close},
			{Name: "deduplicator", Closer: func(context.Context) error { return tracker.Close() }},
			{Name: "transition publisher", Closer: func(context.Context) error { return publisher.Close() }},
			{Name: "transition store", Closer: components.close},
		},
	}

	adminKeys, err := storage.LoadAdminKeyStore()
	if err != nil {
		logger.Error("Failed to load admin keys", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if adminKeys != nil {
		deps.AdminKeys = adminKeys

		logger.Info("Admin API enabled", slog.Int("admin_keys", adminKeys.Len()))
	} else {
		logger.Warn("Admin API disabled",
			slog.String("note", "Set STAGETRACKER_ADMIN_KEY_HASHES to enable /api/v1/admin/ endpoints"),
		)
	}

	server, err := api.NewServer(serverConfig, deps)
	if err != nil {
		logger.Error("Failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Stage tracker service stopped")
}

// storeComponents groups the transition store with what the server needs from it.
type storeComponents struct {
	store      *storage.RetryingStore
	summarizer api.StoreSummarizer
	close      func(context.Context) error
}

// buildStore connects to PostgreSQL when DATABASE_URL is set and falls back to the in-memory
// store otherwise.
func buildStore(logger *slog.Logger) (*storeComponents, error) {
	storageConfig := storage.LoadConfig()

	if !storageConfig.Configured() {
		logger.Warn("DATABASE_URL not set, transitions are kept in memory only",
			slog.String("note", "Records are lost on restart and locks are not shared across instances"),
		)

		memory := storage.NewMemoryTransitionStore()

		return &storeComponents{
			store:      storage.NewRetryingStore(memory, storageConfig.RetryPolicy()),
			summarizer: memory,
			close:      func(context.Context) error { return nil },
		}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	conn, err := storage.NewConnection(ctx, storageConfig)
	if err != nil {
		return nil, err
	}

	transitions, err := storage.NewTransitionStore(conn)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	logger.Info("Transition store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
		slog.Int("store_retry_max_attempts", storageConfig.RetryMaxAttempts),
	)

	return &storeComponents{
		store:      storage.NewRetryingStore(transitions, storageConfig.RetryPolicy()),
		summarizer: transitions,
		close:      func(context.Context) error { return conn.Close() },
	}, nil
}

// hashAdminKey reads one key from stdin and prints its bcrypt hash for
// STAGETRACKER_ADMIN_KEY_HASHES.
func hashAdminKey() int {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		log.Printf("failed to read admin key from stdin: %v", err)

		return 1
	}

	key, err := storage.ParseAdminKey(strings.TrimSpace(line))
	if err != nil {
		log.Printf("invalid admin key: %v", err)

		return 1
	}

	hash, err := storage.HashAdminKey(key)
	if err != nil {
		log.Printf("failed to hash admin key: %v", err)

		return 1
	}

	fmt.Println(hash)

	return 0
}

func generateAdminKey() int {
	key, err := storage.GenerateAdminKey()
	if err != nil {
		log.Printf("failed to generate admin key: %v", err)

		return 1
	}

	hash, err := storage.HashAdminKey(key)
	if err != nil {
		log.Printf("failed to hash admin key: %v", err)

		return 1
	}

	fmt.Printf("key:  %s\nhash: %s\n", key, hash)

	return 0
}

func registerWebhooks(logger *slog.Logger, client *crm.Client, callbackURL string) int {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	webhooks, err := client.RegisterAll(ctx, callbackURL)
	for _, webhook := range webhooks {
		logger.Info("Webhook registered",
			slog.Int64("id", webhook.ID),
			slog.String("event", webhook.Event),
			slog.String("url", webhook.URL),
		)
	}

	if err != nil {
		logger.Error("Webhook registration failed", slog.String("error", err.Error()))

		return 1
	}

	return 0
}
