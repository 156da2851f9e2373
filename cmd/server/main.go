package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brightline-ai/voice-bridge/internal/agent"
	"github.com/brightline-ai/voice-bridge/internal/amd"
	"github.com/brightline-ai/voice-bridge/internal/bridge"
	"github.com/brightline-ai/voice-bridge/internal/config"
	"github.com/brightline-ai/voice-bridge/internal/httpapi"
	"github.com/brightline-ai/voice-bridge/internal/observability"
	"github.com/brightline-ai/voice-bridge/internal/predictor"
	"github.com/brightline-ai/voice-bridge/internal/resilience"
	"github.com/brightline-ai/voice-bridge/internal/telco"
	"github.com/brightline-ai/voice-bridge/internal/tools"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const elevenLabsAPIBase = "https://api.elevenlabs.io"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.IsDevelopment())
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("public_host", cfg.PublicHost()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Bridge starting")

	// Telco client (call placement and finalization)
	telcoClient := telco.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioPhoneNumber, logger)

	// Signed URL cache and agent session factory
	mint := agent.NewSignedURLMinter(
		&http.Client{Timeout: 10 * time.Second},
		elevenLabsAPIBase,
		cfg.ElevenLabsAgentID,
		cfg.ElevenLabsAPIKey,
		&resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
		},
	)
	cache := agent.NewURLCache(mint, cfg.URLCacheSize, time.Duration(cfg.URLCacheMaxTTL)*time.Second, logger)
	factory := agent.NewFactory(cache, time.Duration(cfg.AgentDialTimeout)*time.Second, logger)

	// AMD registry with machine-answer finalization watchdog
	registry := amd.NewRegistry(telcoClient.Finalize, time.Duration(cfg.AMDFinalizeTimeout)*time.Second, logger)

	// Tool-call proxy against the calendar backend
	breaker := resilience.NewCircuitBreaker("calcom", cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	calendar := tools.NewCalComClient(&http.Client{}, cfg.CalComBaseURL, cfg.CalComAPIKey, breaker)
	proxy := tools.NewProxy(calendar, time.Duration(cfg.ToolCallTimeout)*time.Second, logger)

	// Call-rate predictor driving the cache target
	pred := predictor.New(logger)

	// Background loops
	done := make(chan struct{})
	registry.StartGC(done)
	pred.Run(done, 10*time.Minute, cache)
	go cache.Prewarm(context.Background())

	// HTTP surface
	mux := http.NewServeMux()

	api := httpapi.NewServer(cfg.PublicHost(), telcoClient, cache, registry, pred, logger)
	api.Register(mux)

	deps := bridge.Deps{
		Dialer:   factory,
		Registry: registry,
		Proxy:    proxy,
		Finalize: telcoClient.Finalize,
		Logger:   logger,
	}
	sessionOpts := func(direction string) bridge.Options {
		return bridge.Options{
			Direction:            direction,
			BufferFrames:         cfg.AudioBufferFrames,
			AgentOpenTimeout:     time.Duration(cfg.AgentOpenTimeout) * time.Second,
			TelcoStartTimeout:    10 * time.Second,
			VoicemailMaxDuration: time.Duration(cfg.VoicemailMaxDuration) * time.Second,
		}
	}
	mux.HandleFunc("/outbound-media-stream", bridge.Handler(deps, sessionOpts(agent.DirectionOutbound)))
	mux.HandleFunc("/media-stream", bridge.Handler(deps, sessionOpts(agent.DirectionInbound)))

	mux.HandleFunc("/healthz", observability.HealthCheckHandler())

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("wss://%s/outbound-media-stream", cfg.PublicHost())).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
