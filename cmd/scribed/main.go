package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/medscribe/scribe-engine/internal/api"
	"github.com/medscribe/scribe-engine/internal/config"
	"github.com/medscribe/scribe-engine/internal/database"
	"github.com/medscribe/scribe-engine/internal/generate"
	"github.com/medscribe/scribe-engine/internal/queue"
	"github.com/medscribe/scribe-engine/internal/resilience"
	"github.com/medscribe/scribe-engine/internal/storage"
	"github.com/medscribe/scribe-engine/internal/stt"
)

var version = "dev"

func main() {
	startTime := time.Now()

	configDir := flag.String("config", ".", "directory holding config.yaml")
	envFile := flag.String("env-file", ".env", "dotenv file with provider API keys")
	flag.Parse()

	// Config
	cfg, err := config.Load(*configDir)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Str("env", cfg.Env).Msg("scribe-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// API keys
	keys, err := config.LoadKeys(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load API keys")
	}

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Open(ctx, cfg.DatabasePath(), cfg.Storage.DBPoolSize, cfg.Storage.DBTimeout, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	// Shared resilience stack
	retry := resilience.RetryPolicy{
		MaxRetries:    cfg.API.MaxRetries,
		InitialDelay:  cfg.API.InitialRetryDelay,
		BackoffFactor: cfg.API.BackoffFactor,
		MaxDelay:      cfg.API.MaxRetryDelay,
	}
	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.API.CircuitBreakerThreshold,
		RecoveryTimeout:  cfg.API.CircuitBreakerTimeout,
	})
	limits := make(map[string]resilience.BucketConfig, len(cfg.RateLimits))
	for name, rl := range cfg.RateLimits {
		limits[name] = resilience.BucketConfig{Capacity: rl.Capacity, RefillPerSec: rl.RefillPerSec}
	}
	limiter := resilience.NewLimiter(limits, resilience.BucketConfig{Capacity: 10, RefillPerSec: 2})

	// STT providers, tried in declared order
	sttLog := log.With().Str("component", "stt").Logger()
	clientCfg := stt.ClientOptions{
		Timeout:  cfg.API.Timeout,
		Breakers: breakers,
		Limiter:  limiter,
		Retry:    retry,
		Log:      sttLog,
	}
	providers := []stt.Provider{
		stt.NewDeepgramClient(keys.Deepgram, "", clientCfg),
		stt.NewGroqClient(keys.Groq, "", clientCfg),
		stt.NewElevenLabsClient(keys.ElevenLabs, "", clientCfg),
		stt.NewWhisperClient(cfg.WhisperURL, cfg.WhisperModel, clientCfg),
	}
	failover := stt.NewFailover(providers, stt.FailoverOptions{Log: sttLog})
	probeProviders(ctx, providers, sttLog)

	// Document generators
	gen := generate.NewChatGenerators(keys.OpenAI, generate.ChatOptions{
		Breakers: breakers,
		Limiter:  limiter,
		Retry:    retry,
		Log:      log.With().Str("component", "generate").Logger(),
	})
	if !gen.Configured() {
		log.Warn().Msg("no generation API key configured; SOAP/referral/letter steps will fail if requested")
	}

	// Processing queue
	store := storage.NewLocalStore(cfg.Storage.BaseFolder)
	q := queue.New(db, store, failover, gen, queue.Callbacks{}, queue.Options{
		Workers:          cfg.Workers(),
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		DisableAutoRetry: !cfg.AutoRetryFailed,
		Log:              log.With().Str("component", "queue").Logger(),
	})

	// Status HTTP server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, db, q, failover, version, startTime, httpLog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown: stop the HTTP surface, then drain the queue.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	q.Shutdown(true)

	log.Info().Msg("scribe-engine stopped")
}

// probeProviders logs each configured provider's reachability at startup.
// Failures are informational; the failover manager handles them at call time.
func probeProviders(ctx context.Context, providers []stt.Provider, log zerolog.Logger) {
	for _, p := range providers {
		if !p.Configured() {
			log.Info().Str("provider", p.Name()).Msg("provider not configured, skipping")
			continue
		}
		if p.TestConnection(ctx) {
			log.Info().Str("provider", p.Name()).Msg("provider reachable")
		} else {
			log.Warn().Str("provider", p.Name()).Msg("provider connection test failed")
		}
	}
}
