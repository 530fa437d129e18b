package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"logosrelay/internal/api"
	"logosrelay/internal/config"
	"logosrelay/internal/history"
	"logosrelay/internal/redis"
	"logosrelay/internal/relay"
	"logosrelay/internal/service/ai"
	"logosrelay/internal/session"
	"logosrelay/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath, addr string
	flagSet := pflag.NewFlagSet("logosrelay", pflag.ContinueOnError)
	flagSet.StringVar(&cfgPath, "config", "", "path to JSON config file (default: $LOGOS_CONFIG or ./config.json)")
	flagSet.StringVar(&addr, "addr", "", "listen address, overrides basic_config.server_address")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.BasicConfig.ServerAddress = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ttl := time.Duration(cfg.Session.TTLMinutes) * time.Minute
	store, closeStore, err := openStore(cfg, ttl, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	timeout := time.Duration(cfg.BasicConfig.RequestTimeoutSeconds) * time.Second
	providerName, providerCfg := cfg.ActiveProvider()
	completer, err := ai.New(ctx, providerName, providerCfg, timeout)
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}
	if providerCfg.APIKey == "" {
		logger.Warn("provider has no api key, answers will carry setup guidance", "provider", providerName)
	}

	policy, err := history.ParsePolicy(cfg.Relay.HistoryMode, cfg.Relay.HistoryLimit)
	if err != nil {
		return fmt.Errorf("history policy: %w", err)
	}
	rl, err := relay.New(relay.Config{
		Provider:           providerName,
		ContextLimitTokens: cfg.Relay.ContextLimitTokens,
		PromptTurns:        cfg.Relay.PromptTurns,
		MinQuestionLength:  cfg.Relay.MinQuestionLength,
		MaxQuestionChars:   cfg.Relay.MaxQuestionChars,
		MaxAnswerChars:     cfg.Relay.MaxAnswerChars,
		History:            policy,
		Timeout:            timeout,
	}, store, completer, logger)
	if err != nil {
		return fmt.Errorf("init relay: %w", err)
	}

	handlers, err := api.NewHandler(rl, api.Options{
		FrontendURL: cfg.BasicConfig.FrontendURL,
		Session: api.SessionOptions{
			KeyMode:    cfg.Session.KeyMode,
			CookieName: cfg.Session.CookieName,
			TTL:        ttl,
			SameSite:   api.SameSiteMode(cfg.Session.CookieSameSite),
		},
		Limiter:        api.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		TrustedProxies: cfg.BasicConfig.TrustedProxies,
	}, logger)
	if err != nil {
		return fmt.Errorf("init handlers: %w", err)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	if err := handlers.RegisterRoutes(router); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      timeout + 30*time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", srv.Addr, "provider", providerName,
			"store", cfg.Session.Store, "key_mode", cfg.Session.KeyMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if purger, ok := store.(session.Purger); ok {
		interval := time.Duration(cfg.Session.CleanupIntervalMinutes) * time.Minute
		g.Go(func() error {
			session.StartCleaner(gctx, purger, interval, logger)
			return nil
		})
	}
	return g.Wait()
}

func newLogger() *slog.Logger {
	if gin.Mode() == gin.ReleaseMode {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// openStore picks the session backend named by session.store.
func openStore(cfg *config.Config, ttl time.Duration, logger *slog.Logger) (session.Store, func(), error) {
	noop := func() {}
	switch kind := strings.ToLower(cfg.Session.Store); kind {
	case "", "memory":
		return session.NewMemoryStore(ttl), noop, nil
	case "redis":
		blobs, err := redis.Open(context.Background(), cfg.Redis, redis.SessionNamespace)
		if err != nil {
			return nil, noop, fmt.Errorf("open redis: %w", err)
		}
		return session.NewRedisStore(blobs, ttl), func() { blobs.Close() }, nil
	case "sqlite", "sqlite3", "mysql":
		db, err := storage.Open(kind, cfg)
		if err != nil {
			return nil, noop, fmt.Errorf("open database: %w", err)
		}
		if err := storage.Migrate(db, kind); err != nil {
			db.Close()
			return nil, noop, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("session database ready", "driver", storage.Normalize(kind))
		return session.NewSQLStore(db, kind, ttl), closer(db), nil
	default:
		return nil, noop, fmt.Errorf("unsupported session store %q", kind)
	}
}

func closer(db *sql.DB) func() {
	return func() { db.Close() }
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
