package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cleancity/cleancity-ai/internal/handlers"
	"github.com/cleancity/cleancity-ai/internal/models"
	"github.com/cleancity/cleancity-ai/internal/services"
	"github.com/cleancity/cleancity-ai/internal/storage"
	"github.com/cleancity/cleancity-ai/internal/submission"
)

const (
	sessionIdleTimeout = 12 * time.Hour
	sessionSweepEvery  = 10 * time.Minute
)

func main() {
	// Setup logger
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	config := loadConfig()

	if level, err := zerolog.ParseLevel(config.LogLevel); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	} else if err != nil {
		log.Warn().Str("level", config.LogLevel).Msg("Unknown LOG_LEVEL, staying at info")
	}

	log.Info().
		Str("host", config.Host).
		Str("port", config.Port).
		Msg("Starting CleanCity AI")

	ctx := context.Background()

	log.Info().Str("driver", string(config.Store.Driver)).Msg("Initializing report store...")
	store, err := storage.Open(ctx, config.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize report store")
	}
	defer store.Close()
	if !store.IsConfigured() {
		log.Warn().Msg("Database keys missing - reports cannot be saved or loaded")
	}

	opts := submission.Options{}
	healthChecks := map[string]handlers.HealthChecker{
		"store":    store,
		"minio":    nil,
		"rabbitmq": nil,
		"redis":    nil,
	}

	if config.MinIO.Endpoint != "" {
		log.Info().Msg("Initializing MinIO image store...")
		images, err := storage.NewMinIOStorage(ctx, config.MinIO)
		if err != nil {
			log.Warn().Err(err).Msg("MinIO unavailable - photos will be stored inline")
		} else {
			opts.Images = images
			healthChecks["minio"] = images
			log.Info().Str("bucket", config.MinIO.Bucket).Msg("MinIO image store initialized")
		}
	}

	if config.RabbitMQURL != "" {
		log.Info().Msg("Initializing RabbitMQ publisher...")
		publisher, err := services.NewRabbitMQPublisher(config.RabbitMQURL, config.RabbitMQExchange)
		if err != nil {
			log.Warn().Err(err).Msg("RabbitMQ unavailable - report events disabled")
		} else {
			defer publisher.Close()
			opts.Events = publisher
			healthChecks["rabbitmq"] = publisher
			log.Info().Str("exchange", config.RabbitMQExchange).Msg("RabbitMQ publisher initialized")
		}
	}

	if config.Redis.Addr != "" {
		log.Info().Msg("Initializing Redis submission guard...")
		guard, err := submission.NewRedisGuard(ctx, config.Redis, config.SubmitLockTTL)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable - using in-process submission guard")
		} else {
			defer guard.Close()
			opts.Guard = guard
			healthChecks["redis"] = guard
			log.Info().Str("addr", config.Redis.Addr).Msg("Redis submission guard initialized")
		}
	}

	if !loadCredentials().Configured() {
		log.Warn().Msg("AI API key not configured - reports will get the fallback analysis")
	}

	analyze := func(ctx context.Context, imageDataURI, description string) models.WasteAnalysis {
		return services.Analyze(ctx, loadCredentials(), imageDataURI, description)
	}

	orchestrator := submission.NewOrchestrator(store, analyze, opts)
	sessions := submission.NewBoundedRegistry(config.MaxSessions)

	log.Info().Msg("Initializing HTTP handlers...")
	handler, err := handlers.NewHandler(config.TemplatesPath, orchestrator, sessions, handlers.Options{
		HealthChecks: healthChecks,
		AIConfigured: func() bool { return loadCredentials().Configured() },
		SecureCookie: config.SecureCookie,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize handlers")
	}
	log.Info().Msg("HTTP handlers initialized successfully")

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweepSessions(sweepCtx, sessions)

	// Setup router
	router := setupRouter(handler, config.StaticPath)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", config.Host, config.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("address", srv.Addr).
			Msg("Server starting...")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	log.Info().Msgf("Open http://localhost:%s in your browser", config.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited gracefully")
}

// sweepSessions forgets browser sessions that went quiet
func sweepSessions(ctx context.Context, sessions *submission.Registry) {
	ticker := time.NewTicker(sessionSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Sweep(sessionIdleTimeout); n > 0 {
				log.Debug().Int("removed", n).Int("remaining", sessions.Len()).Msg("Idle sessions swept")
			}
		}
	}
}

type Config struct {
	Host             string
	Port             string
	TemplatesPath    string
	StaticPath       string
	LogLevel         string
	SecureCookie     bool
	Store            storage.Settings
	MinIO            storage.MinIOConfig
	RabbitMQURL      string
	RabbitMQExchange string
	Redis            submission.RedisConfig
	SubmitLockTTL    time.Duration
	MaxSessions      int
}

// loadConfig loads configuration from environment variables
func loadConfig() *Config {
	return &Config{
		Host:          getEnv("APP_HOST", "0.0.0.0"),
		Port:          getEnv("APP_PORT", "8080"),
		TemplatesPath: getEnv("TEMPLATES_PATH", "web/templates"),
		StaticPath:    getEnv("STATIC_PATH", "web/static"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		SecureCookie:  getEnv("COOKIE_SECURE", "false") == "true",
		Store: storage.Settings{
			Driver: storage.Driver(getEnv("STORE_DRIVER", string(storage.DriverREST))),
			URL:    storeURL(),
			Key:    getEnv("NEXT_PUBLIC_SUPABASE_ANON_KEY", getEnv("SUPABASE_ANON_KEY", "")),
			Table:  getEnv("SUPABASE_TABLE", storage.DefaultTable),
		},
		MinIO: storage.MinIOConfig{
			Endpoint:       getEnv("MINIO_ENDPOINT", ""),
			PublicEndpoint: getEnv("MINIO_PUBLIC_ENDPOINT", ""),
			AccessKey:      getEnv("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:      getEnv("MINIO_SECRET_KEY", "minioadmin123"),
			Bucket:         getEnv("MINIO_BUCKET_NAME", "waste-report-images"),
			UseSSL:         getEnv("MINIO_USE_SSL", "false") == "true",
		},
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "cleancity.events"),
		Redis: submission.RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		SubmitLockTTL: getEnvDuration("SUBMIT_LOCK_TTL", 2*time.Minute),
		MaxSessions:   getEnvInt("MAX_SESSIONS", submission.DefaultMaxSessions),
	}
}

// storeURL is the DSN for the postgres driver and the project URL otherwise.
// NEXT_PUBLIC_* wins over the plain names; with neither set the store stays unconfigured.
func storeURL() string {
	if strings.EqualFold(getEnv("STORE_DRIVER", ""), string(storage.DriverPostgres)) {
		return getEnv("DATABASE_URL", "")
	}
	return getEnv("NEXT_PUBLIC_SUPABASE_URL", getEnv("SUPABASE_URL", ""))
}

// loadCredentials reads the AI settings on every call so a rotated key applies without a restart
func loadCredentials() services.Credentials {
	return services.Credentials{
		Provider: services.Provider(getEnv("AI_PROVIDER", string(services.ProviderGemini))),
		APIKey:   getEnv("API_KEY", getEnv("GEMINI_API_KEY", "")),
		Endpoint: getEnv("AI_ENDPOINT", ""),
		Model:    getEnv("AI_MODEL", ""),
		Timeout:  getEnvDuration("AI_TIMEOUT", 0),
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer, using default")
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid duration, using default")
		return defaultValue
	}
	return d
}

// setupRouter configures all routes and middleware
func setupRouter(h *handlers.Handler, staticPath string) *mux.Router {
	r := mux.NewRouter()

	// Middleware
	r.Use(loggingMiddleware)
	r.Use(recoveryMiddleware)

	// Static files
	if _, err := os.Stat(staticPath); err == nil {
		fs := http.FileServer(http.Dir(staticPath))
		r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", fs))
		log.Info().Str("path", staticPath).Msg("Serving static files")
	}

	// Web routes
	r.HandleFunc("/", h.HomeHandler).Methods("GET")
	r.HandleFunc("/reports", h.SubmitReportHandler).Methods("POST")
	r.HandleFunc("/refresh", h.RefreshHandler).Methods("POST")
	r.HandleFunc("/submission", h.SubmissionStatusHandler).Methods("GET")

	// API routes
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/reports", h.ListReportsHandler).Methods("GET")
	api.HandleFunc("/reports", h.CreateReportHandler).Methods("POST")
	api.HandleFunc("/stats", h.StatsHandler).Methods("GET")
	api.HandleFunc("/submission", h.PendingHandler).Methods("GET")
	api.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	// Health check at root
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	log.Info().Msg("Routes configured successfully")
	return r
}

// loggingMiddleware logs all HTTP requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap ResponseWriter to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration_ms", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// recoveryMiddleware recovers from panics
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("Panic recovered")

				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
