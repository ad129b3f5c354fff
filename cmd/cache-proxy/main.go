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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/api-cache-proxy/internal/config"
	"github.com/Sternrassler/api-cache-proxy/pkg/cache"
	"github.com/Sternrassler/api-cache-proxy/pkg/logging"
	"github.com/Sternrassler/api-cache-proxy/pkg/metrics"
	"github.com/Sternrassler/api-cache-proxy/pkg/proxy"
	"github.com/Sternrassler/api-cache-proxy/pkg/ratelimit"
	"github.com/Sternrassler/api-cache-proxy/pkg/upstream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Getenv); err != nil {
		log.Fatal().Err(err).Msg("Proxy failed")
	}
}

// run starts both listeners and blocks until ctx is cancelled.
func run(ctx context.Context, getenv func(string) string) error {
	cfg, err := config.Load(getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})
	logger := logging.NewLogger("main")

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go a.store.RunJanitor(janitorCtx, cfg.CacheTTL)

	proxyServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminServer := &http.Server{
		Addr:              ":" + cfg.AdminPort,
		Handler:           a.adminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{proxyServer, adminServer} {
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	logger.Info().
		Str("addr", proxyServer.Addr).
		Str("admin_addr", adminServer.Addr).
		Str("api_origin", cfg.APIOrigin).
		Str("media_origin", cfg.MediaOrigin).
		Str("media_prefix", cfg.MediaPrefix).
		Dur("cache_ttl", cfg.CacheTTL).
		Int("cache_max_entries", cfg.CacheMaxEntries).
		Int64("cache_max_body_bytes", cfg.CacheMaxBodyBytes).
		Bool("coalesce", cfg.CoalesceRequests).
		Bool("redis", a.redis != nil).
		Msg("Starting caching proxy")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received, draining requests")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Listener failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.UpstreamTimeout+5*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{proxyServer, adminServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Str("addr", srv.Addr).Msg("Server shutdown incomplete")
		}
	}

	logger.Info().Msg("Proxy stopped")
	return runErr
}

// app holds the wired components of one proxy process.
type app struct {
	proxy   *proxy.Proxy
	store   *cache.Store
	tracker *ratelimit.Tracker
	redis   *redis.Client
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger := logging.NewLogger("main")

	fcfg := upstream.DefaultConfig(cfg.APIOrigin, cfg.MediaOrigin)
	fcfg.Timeout = cfg.UpstreamTimeout
	fcfg.KeepAlive = cfg.UpstreamKeepAlive
	fcfg.ForwardAllHeaders = cfg.ForwardAllHeaders
	fcfg.CredentialHeader = cfg.CredentialHeader
	fcfg.Retry.MaxAttempts = cfg.UpstreamMaxAttempts

	fwd, err := upstream.New(fcfg)
	if err != nil {
		return nil, fmt.Errorf("create forwarder: %w", err)
	}

	if policy := fwd.HeaderPolicy(); policy.ForwardAll() {
		logger.Warn().Msg("Forwarding all request headers; only the credential and Accept-Language headers vary the cache key")
	} else {
		logger.Info().Strs("allowed_headers", policy.Allowed()).Msg("Forwarding allowlisted request headers")
	}

	store := cache.NewStore(cache.Config{
		TTL:          cfg.CacheTTL,
		MaxEntries:   cfg.CacheMaxEntries,
		MaxBodyBytes: cfg.CacheMaxBodyBytes,
	}, cache.WithLogger(logging.NewLogger("cache")))

	a := &app{store: store}

	var stateStore ratelimit.StateStore = ratelimit.NewMemoryStore()
	if cfg.RedisURL != "" {
		client, err := newRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = client
		stateStore = ratelimit.NewRedisStore(client)
		logger.Info().Msg("Rate limit state shared through Redis")
	}
	a.tracker = ratelimit.NewTracker(stateStore, logging.NewLogger("ratelimit"))

	a.proxy = proxy.New(proxy.Config{
		MediaPrefix:           cfg.MediaPrefix,
		CredentialHeader:      cfg.CredentialHeader,
		CredentialQueryParams: cfg.CredentialQueryParams,
		Coalesce:              cfg.CoalesceRequests,
		Guard:                 cfg.RateLimitGuard,
	}, fwd, store,
		proxy.WithTracker(a.tracker),
		proxy.WithAccessLogger(logging.NewAccessLogger(log.Logger, cfg.AccessLogSampleRate)),
	)

	return a, nil
}

// adminHandler serves metrics and readiness on the admin listener, apart
// from proxied paths.
func (a *app) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ready", readyHandler(a.redis))
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports 503 while Redis, when configured, is unreachable.
func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				log.Warn().Err(err).Msg("Readiness check failed: Redis unreachable")
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// newRedisClient accepts a redis:// URL or a bare host:port.
func newRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: redisURL}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}

	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	return client, nil
}
