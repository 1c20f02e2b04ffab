package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"quire/api/internal/app"
	"quire/api/internal/auth"
	"quire/api/internal/blocks"
	"quire/api/internal/collab"
	"quire/api/internal/config"
	"quire/api/internal/lock"
	"quire/api/internal/logger"
	"quire/api/internal/media"
	"quire/api/internal/presence"
	"quire/api/internal/realtime"
	"quire/api/internal/search"
	"quire/api/internal/sharedstate"
	"quire/api/internal/store"
)

func newServeCmd() *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := loadConfig()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log, !skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on start")
	return cmd
}

// openSharedState returns the Redis-backed store and bus, or in-process ones
// when no Redis URL is configured.
func openSharedState(cfg config.Config, log zerolog.Logger) (sharedstate.Store, sharedstate.Bus, func(), error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Warn().Msg("REDIS_URL not set, using in-process shared state (single instance only)")
		return sharedstate.NewMemoryStore(), sharedstate.NewMemoryBus(), func() {}, nil
	}
	rs, err := sharedstate.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info().Msg("using redis for shared state")
	return rs, sharedstate.NewRedisBus(rs.Client()), func() { _ = rs.Close() }, nil
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger, migrate bool) error {
	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if migrate {
		if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger.Component(log, "store")); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}
	repo := store.NewPostgresStore(db)

	shared, bus, closeShared, err := openSharedState(cfg, log)
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	defer closeShared()

	collabLog := logger.Component(log, "collab")
	realtimeLog := logger.Component(log, "realtime")

	hub := realtime.NewHub(bus, cfg.InstanceID, realtimeLog)
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("start realtime hub: %w", err)
	}

	locks := lock.NewRegistry(shared,
		lock.WithTTL(cfg.LockTTL),
		lock.WithLogger(logger.Component(log, "lock")),
		lock.WithNotifier(collab.LockNotifier(hub, collabLog)),
	)
	go lock.NewSweeper(locks, cfg.SweepInterval).Run(ctx)

	tracker := presence.NewTracker(shared, cfg.PresenceTTL, logger.Component(log, "presence"))
	gate := collab.NewPublishGate(shared, cfg.PublishTTL)
	touched := collab.NewTouchedSet(shared)
	processor := collab.NewProcessor(repo, locks, gate, touched, hub, collabLog)

	var coordOpts []collab.CoordinatorOption
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Component(log, "search"))
		defer meili.Close()
		coordOpts = append(coordOpts, collab.WithIndexer(meili))
	}
	if strings.TrimSpace(cfg.MediaEndpoint) != "" {
		checker, err := media.NewObjectChecker(media.Config{
			Endpoint:  cfg.MediaEndpoint,
			AccessKey: cfg.MediaAccessKey,
			SecretKey: cfg.MediaSecretKey,
			Bucket:    cfg.MediaBucket,
			UseSSL:    cfg.MediaUseSSL,
		}, logger.Component(log, "media"))
		if err != nil {
			return err
		}
		coordOpts = append(coordOpts, collab.WithMediaChecker(checker))
	}
	coordinator := collab.NewCoordinator(repo, gate, touched, blocks.NewValidator(cfg.MaxImages), hub, collabLog, coordOpts...)

	verifier := auth.NewVerifier(cfg.TokenSecret)
	gateway := realtime.NewGateway(realtime.Deps{
		Auth:      verifier,
		Drafts:    repo,
		Hub:       hub,
		Locks:     locks,
		Presence:  tracker,
		Processor: processor,
	}, realtime.Options{
		InstanceID:  cfg.InstanceID,
		IdleTimeout: cfg.PresenceTTL,
	}, realtimeLog)

	service := app.NewService(repo, coordinator, verifier, logger.Component(log, "http"))
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin,
		app.WithRealtime(gateway),
		app.WithReadyCheck("sharedstate", shared.Ping),
	)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("instance_id", cfg.InstanceID).Msg("quire api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	// Shutdown does not track hijacked WebSocket connections.
	hub.CloseAll()
	return nil
}
