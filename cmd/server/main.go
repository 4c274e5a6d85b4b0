package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"subsync/client/internal/auth"
	"subsync/client/internal/client"
	"subsync/client/internal/config"
	"subsync/client/internal/httpapi"
	"subsync/client/internal/listing"
	"subsync/client/internal/logging"
	"subsync/client/internal/remote"
	"subsync/client/internal/storage"
	"subsync/client/internal/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Errorf("server error: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	store, err := storage.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	api := remote.NewClient(httpClient, cfg.RemoteBaseURL, cfg.RemoteUserAgent)
	creds := auth.NewOAuthProvider(ctx, auth.OAuthConfig{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		TokenURL:     cfg.OAuthTokenURL,
		HTTPClient:   httpClient,
	}, cfg.Accounts)

	var locker syncer.Locker = syncer.NewMemoryLocker()
	if cfg.RedisURL != "" {
		redisLocker, err := syncer.NewRedisLocker(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisLocker.Close()
		locker = redisLocker
	}

	coordinator := syncer.NewCoordinator(store, creds, syncer.DefaultSyncers(api), syncer.Options{
		Backoff:          syncer.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		CommentRateLimit: cfg.CommentRateLimit,
		Locker:           locker,
		Logger:           logger,
	})
	scheduler := syncer.NewScheduler(coordinator, store, syncer.SchedulerOptions{
		Workers:  cfg.SyncWorkers,
		Interval: cfg.SyncInterval,
		Logger:   logger,
	})
	listings := listing.NewStore(store, api, creds, listing.Options{Logger: logger})
	sweeper := listing.NewSweeper(listings, cfg.SessionMaxAge, cfg.SessionSweep, logger)

	apiServer := httpapi.NewServer(client.New(store, listings, coordinator, scheduler), logger)
	defer func() {
		apiServer.Close()
		listings.Wait()
	}()

	mux := http.NewServeMux()
	apiServer.RegisterRoutes(mux)
	handler, err := authenticate(cfg, mux, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return scheduler.Run(ctx) })
	group.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})
	group.Go(func() error {
		logger.Infof("server listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// authenticate puts the API behind OIDC login when an issuer is configured
// and otherwise acts as the development account.
func authenticate(cfg config.Config, mux *http.ServeMux, logger *logging.Logger) (http.Handler, error) {
	if cfg.OIDCIssuerURL == "" {
		logger.Warnf("OIDC_ISSUER_URL not set, acting as account %q", cfg.DevAccount)
		return auth.DevAccountMiddleware(cfg.DevAccount)(mux), nil
	}
	manager, err := auth.NewManager(auth.Config{
		IssuerURL:    cfg.OIDCIssuerURL,
		ClientID:     cfg.OIDCClientID,
		ClientSecret: cfg.OIDCClientSecret,
		RedirectURL:  cfg.OIDCRedirectURL,
		SessionKey:   cfg.SessionKey,
		CookieSecure: cfg.CookieSecure,
	})
	if err != nil {
		return nil, err
	}
	callbackPath := "/auth/callback"
	if parsed, err := url.Parse(cfg.OIDCRedirectURL); err == nil && parsed.Path != "" {
		callbackPath = parsed.Path
	}
	mux.Handle(callbackPath, manager.CallbackHandler())
	mux.Handle("/auth/logout", manager.LogoutHandler())

	skipper := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == callbackPath
	}
	return manager.Middleware(skipper)(manager.WithAccount(mux)), nil
}
