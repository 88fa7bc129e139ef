package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jakechorley/blood-match/cmd/cli/commands"
	"github.com/jakechorley/blood-match/internal/config"
	"github.com/jakechorley/blood-match/pkg/clients/geocoder"
	"github.com/jakechorley/blood-match/pkg/clients/gmailclient"
	"github.com/jakechorley/blood-match/pkg/clients/rediscache"
	"github.com/jakechorley/blood-match/pkg/clients/sheetsclient"
	"github.com/jakechorley/blood-match/pkg/core/ranking"
	"github.com/jakechorley/blood-match/pkg/core/services"
	"github.com/jakechorley/blood-match/pkg/db"
	"github.com/jakechorley/blood-match/pkg/events"
	"github.com/jakechorley/blood-match/pkg/notify"
	"github.com/jakechorley/blood-match/pkg/postgres"
	"github.com/jakechorley/blood-match/pkg/utils"
	"github.com/jakechorley/blood-match/pkg/utils/clock"
	"github.com/jakechorley/blood-match/pkg/utils/keylock"
	"github.com/jakechorley/blood-match/pkg/utils/logging"
)

var (
	env   string
	debug bool
	app   = &commands.AppContext{}

	// closers release clients opened by initApp, in reverse order
	closers []func()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "cli",
		Short: "Blood Match CLI - Match emergency blood requests with nearby donors",
		Long:  `A CLI tool for submitting emergency blood requests, ranking compatible donors, handling offers and booking donation slots.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			shutdown()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&env, "env", "e", "", "Environment (required: test, prod, etc.)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log debug output to the console")
	rootCmd.MarkPersistentFlagRequired("env")

	rootCmd.AddCommand(
		commands.MigrateCmd(app),
		commands.RegisterDonorCmd(app),
		commands.VerifyBloodTypeCmd(app),
		commands.SetAvailabilityCmd(app),
		commands.ImportDonorsCmd(app),
		commands.SubmitRequestCmd(app),
		commands.RankDonorsCmd(app),
		commands.SubmitOfferCmd(app),
		commands.AcceptOfferCmd(app),
		commands.DeclineOfferCmd(app),
		commands.CancelRequestCmd(app),
		commands.ConfirmFulfilmentCmd(app),
		commands.CreateSlotCmd(app),
		commands.SeedSlotsCmd(app),
		commands.ListSlotsCmd(app),
		commands.BookCmd(app),
		commands.GetBookingCmd(app),
		commands.CancelBookingCmd(app),
		commands.RescheduleCmd(app),
		commands.CompleteBookingCmd(app),
		commands.NoShowCmd(app),
		commands.RecomputeSlotsCmd(app),
		commands.WatchEventsCmd(app),
		commands.InteractiveCmd(app),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		shutdown()
		os.Exit(1)
	}
}

// initApp sets up logger, config, store, clients and services
func initApp(ctx context.Context) error {
	var err error
	app.Ctx = ctx

	app.Logger, err = logging.InitLogger(logging.Options{Env: env, Debug: debug})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := app.Logger
	closers = append(closers, func() { logger.Sync() })

	logger.Info("Starting application", zap.String("environment", env))

	app.Cfg, err = config.LoadWithEnv(env)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := app.Cfg
	logger.Debug("Configuration loaded", zap.String("store", cfg.Store))

	if err := openStore(ctx, cfg, logger); err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.Redis != nil {
		logger.Info("Connecting to redis", zap.String("addr", cfg.Redis.Addr))
		redisClient, err = rediscache.NewClient(ctx, rediscache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		closers = append(closers, func() { redisClient.Close() })
	}

	var googleHTTP *http.Client
	if cfg.NeedsGoogle() {
		logger.Info("Loading OAuth client configuration")
		oauthCfg, err := config.LoadOAuthClientWithEnv(env)
		if err != nil {
			return fmt.Errorf("failed to load OAuth client config: %w", err)
		}
		googleHTTP, err = utils.GoogleHTTPClient(ctx, oauthCfg, utils.RequiredScopes(cfg), env, logger)
		if err != nil {
			return err
		}
	}

	if cfg.DonorSheet != nil {
		logger.Info("Initializing sheets client")
		sheets, err := sheetsclient.NewClient(ctx, googleHTTP)
		if err != nil {
			return fmt.Errorf("failed to create sheets client: %w", err)
		}
		app.DonorSheet = sheets
	}

	sink, err := buildSink(ctx, cfg, app.Store, googleHTTP, logger)
	if err != nil {
		return err
	}

	// Deliveries run on the dispatcher's workers; Close drains them before
	// the store and clients they use are released.
	dispatcher := events.NewDispatcher(sink, logger, events.DispatcherOptions{})
	closers = append(closers, func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn("Notification dispatcher did not shut down cleanly", zap.Error(err))
		}
	})

	publisher := events.Multi{dispatcher}
	if redisClient != nil {
		channel := cfg.Redis.EventChannel
		if channel == "" {
			channel = events.DefaultChannel
		}
		redisEvents := events.NewRedisPublisher(redisClient, channel)
		publisher = append(publisher, redisEvents)
		app.Events = redisEvents
	}

	app.Clock = clock.System{}
	deps := services.Deps{
		Store:     app.Store,
		Locks:     keylock.New(),
		Clock:     app.Clock,
		Publisher: publisher,
		Geocoder:  buildGeocoder(cfg, redisClient, logger),
		Ranking: ranking.Options{
			RadiusKm:         cfg.Matching.SearchRadiusKm,
			DonationInterval: cfg.Matching.DonationInterval(),
			MaxCandidates:    cfg.Matching.MaxCandidates,
		},
		Retry: services.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		Logger: logger,
	}
	app.Coordinator = services.NewCoordinator(deps)
	app.Slots = app.Coordinator.Slots()
	app.Donors = services.NewDonors(deps)

	logger.Debug("Application initialized")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Store == "memory" {
		logger.Warn("Using the in-memory store, data is lost when the process exits")
		app.Store = db.NewMemoryStore()
		return nil
	}

	logger.Info("Connecting to database")
	database, err := postgres.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	closers = append(closers, database.Close)
	app.Store = database
	app.Migrator = database
	return nil
}

func buildGeocoder(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) geocoder.Geocoder {
	if cfg.Geocoding.Provider != "google" {
		return geocoder.NewStatic(cfg.Geocoding.StaticTable())
	}

	var cache geocoder.Cache = geocoder.NewMemoryCache()
	if redisClient != nil && cfg.Redis.CacheGeocodes {
		cache = rediscache.New(redisClient, "blood-match:")
	}
	google := geocoder.NewGoogle(cfg.Geocoding.APIKey, cfg.Geocoding.RequestsPerSecond)
	return geocoder.NewCaching(google, cache, cfg.Geocoding.CacheTTL, logger)
}

func buildSink(ctx context.Context, cfg *config.Config, store db.Reader, googleHTTP *http.Client, logger *zap.Logger) (notify.Sink, error) {
	if cfg.Notifications.Channel != "email" {
		return &notify.LogSink{Logger: logger}, nil
	}

	logger.Info("Initializing gmail client")
	gmail, err := gmailclient.NewClient(ctx, googleHTTP, cfg.Notifications.GmailSender)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail client: %w", err)
	}
	directory := &notify.DonorDirectory{Store: store, Static: cfg.Notifications.Contacts}
	return notify.NewEmailSink(gmail, directory, logger), nil
}

func shutdown() {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	closers = nil
}
