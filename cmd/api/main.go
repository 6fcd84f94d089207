package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/shop-reduction/internal/app"
	"github.com/noah-isme/shop-reduction/internal/auth"
	"github.com/noah-isme/shop-reduction/internal/common"
	"github.com/noah-isme/shop-reduction/internal/config"
	"github.com/noah-isme/shop-reduction/internal/health"
	"github.com/noah-isme/shop-reduction/internal/modifier"
	"github.com/noah-isme/shop-reduction/internal/obs"
	"github.com/noah-isme/shop-reduction/internal/pricing"
	"github.com/noah-isme/shop-reduction/internal/ratelimit"
	"github.com/noah-isme/shop-reduction/internal/rules"
	"github.com/noah-isme/shop-reduction/internal/security"
	"github.com/noah-isme/shop-reduction/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "reduction")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "shop-reduction-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	deps, err := app.Build(connectCtx, cfg, logger, app.Options{
		ApplicationName: "shop-reduction-api",
		RedisMetrics:    metricsEnabled,
		Migrate:         envBool("DB_AUTO_MIGRATE", true),
	})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	presets, err := rules.LoadPresets(cfg.PresetsPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load presets")
	}
	if !presets.Empty() {
		logger.Info().Str("path", cfg.PresetsPath).Int("events", len(presets.Events)).Msg("presets loaded")
	}

	registry := session.NewRegistry(presets, deps.Saves, cfg.SessionIdleTTL)
	go registry.Run(ctx, time.Minute)

	engine := pricing.Engine{
		Compiler: modifier.Compiler{Mode: cfg.PercentMode},
		Logger:   logger.With().Str("component", "pricing").Logger(),
	}
	validate := validator.New()

	authService, err := auth.NewService(auth.Config{
		Secret:         cfg.JWTSecret,
		PassphraseHash: cfg.AuthorPassphraseHash,
		AccessTokenTTL: cfg.AccessTokenTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth service")
	}
	authHandler := &auth.Handler{Service: authService, Validate: validate}
	authMiddleware := auth.Middleware{Service: authService}

	sessionHandler := &session.Handler{
		Registry: registry,
		Engine:   engine,
		Journal:  deps.Journal,
		History:  deps.History,
		Validate: validate,
		Logger:   logger.With().Str("component", "session").Logger(),
	}
	priceHandler := session.PriceHandler{Engine: engine, Validate: validate}

	priceBackend, err := ratelimit.NewFixedWindow(deps.Redis, cfg.PriceRateLimit, "rl:price:")
	if err != nil {
		logger.Fatal().Err(err).Str("rate", cfg.PriceRateLimit).Msg("configure price rate limit")
	}
	priceLimit := ratelimit.Handler{
		Backend: priceBackend,
		Key:     ratelimit.ByClientIP(""),
		OnError: func(err error) { logger.Warn().Err(err).Msg("price rate limit unavailable") },
	}
	tokenLimit := ratelimit.Handler{
		Backend: ratelimit.SlidingWindow{Client: deps.Redis, Prefix: "rl:token:", Window: time.Minute, Max: 10},
		Key:     ratelimit.ByClientIP(""),
		OnError: func(err error) { logger.Warn().Err(err).Msg("token rate limit unavailable") },
	}

	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{
		Enable:     envBool("SECURE_HEADERS_ENABLE", true),
		EnableHSTS: envBool("SECURE_HSTS_ENABLE", cfg.AppEnv == "production"),
	}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{"Idempotent-Replay", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))
	r.Use(security.BodyLimit{Max: cfg.MaxBodyBytes}.Middleware)

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	probes := map[string]health.Probe{
		"redis": func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() },
		"saves": deps.Saves.Ping,
	}
	if deps.DB != nil {
		probes["db"] = deps.DB.Ping
	}
	healthHandler := health.Handler{
		Probes:  probes,
		Timeout: envDurationMillis("HEALTH_READY_TIMEOUT_MS", 500),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.With(priceLimit.Middleware).Post("/price", priceHandler.Price)

		v.Route("/auth", func(a chi.Router) {
			a.With(tokenLimit.Middleware).Post("/token", authHandler.Token)
			a.With(authMiddleware.RequireAuth).Get("/me", authHandler.Me)
		})

		v.Group(func(authR chi.Router) {
			authR.Use(authMiddleware.RequireAuth)
			sessionHandler.Routes(authR, idem.Middleware)
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
	}()

	logger.Info().
		Str("addr", srv.Addr).
		Str("save_backend", cfg.SaveBackend).
		Str("percent_mode", cfg.PercentMode.String()).
		Bool("journal", cfg.JournalEnabled).
		Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
