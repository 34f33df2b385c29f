// VoiceTurn is a turn-taking voice interaction daemon: it drives a
// browser page holding the speech capabilities through a websocket
// bridge, runs the listen/transcribe/generate/speak cycle, and streams
// intensity samples for avatar animation.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/normanking/voiceturn/internal/bus"
	"github.com/normanking/voiceturn/internal/capability"
	"github.com/normanking/voiceturn/internal/config"
	"github.com/normanking/voiceturn/internal/intensity"
	"github.com/normanking/voiceturn/internal/lang"
	"github.com/normanking/voiceturn/internal/logging"
	"github.com/normanking/voiceturn/internal/reply"
	"github.com/normanking/voiceturn/internal/turn"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voiceturn: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := logging.DefaultConfig()
	if cfg.Log.Dir != "" {
		logCfg.LogDir = cfg.Log.Dir
	}
	if cfg.Log.Level != "" {
		logCfg.Level = logging.LogLevel(cfg.Log.Level)
	}
	if cfg.Log.MaxHistory > 0 {
		logCfg.MaxHistory = cfg.Log.MaxHistory
	}
	logCfg.Console = cfg.Log.Console

	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	log := logger.Component("main")

	eventBus := bus.NewEventBus()

	bridge := capability.NewBrowserBridge(logger.Zerolog())
	registry := lang.NewRegistry(bridge, cfg.Language.Default, logger.Zerolog(), eventBus)

	sampler := intensity.NewSampler(intensity.Config{
		Interval:  cfg.Sampler.Interval,
		BinStride: cfg.Sampler.BinStride,
		FrameSkip: cfg.Sampler.FrameSkip,
	}, logger.Zerolog(), func(v float64) {
		eventBus.Publish(bus.Event{
			Type: bus.EventTypeIntensity,
			Data: map[string]any{"value": v},
		})
	})

	generator := reply.NewHTTPGenerator(reply.Config{
		URL:    cfg.Generation.URL,
		APIKey: cfg.Generation.APIKey,
		Model:  cfg.Generation.Model,
	}, logger.Zerolog())

	history := turn.NewHistory(cfg.Generation.SystemPrompt, cfg.Turn.HistoryLimit)

	controller := turn.NewController(turn.Config{
		MinTranscriptChars:      cfg.Turn.MinTranscriptChars,
		GenerationTimeout:       cfg.Generation.Timeout,
		FallbackReply:           cfg.Generation.FallbackReply,
		RecognitionRestartDelay: cfg.Turn.RecognitionRestartDelay,
		SamplerStartDelay:       cfg.Turn.SamplerStartDelay,
		MaxStartRetries:         cfg.Turn.MaxStartRetries,
	}, bridge, generator, sampler, registry, history, logger.Zerolog(), eventBus)

	refreshPolicy := lang.RefreshPolicy{
		MaxAttempts: cfg.Voices.RefreshMaxAttempts,
		Interval:    cfg.Voices.RefreshInterval,
	}

	// The cycle follows the page: start when it connects, stop when it
	// goes away.
	bridge.SetConnectionHandlers(
		func() {
			eventBus.Publish(bus.Event{Type: bus.EventTypeBridgeConnected})
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				registry.RefreshWithRetry(ctx, refreshPolicy)
				if err := controller.Start(); err != nil {
					log.Error().Err(err).Msg("Turn cycle start failed")
				}
			}()
		},
		func() {
			eventBus.Publish(bus.Event{Type: bus.EventTypeBridgeClosed})
			controller.Stop()
		},
	)

	watcher, err := config.NewWatcher(logger.Zerolog(), func(updated *config.Config) {
		registry.SetLanguage(updated.Language.Default)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	} else {
		defer watcher.Close()
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Bridge.Path, bridge)

	server := &http.Server{
		Addr:              cfg.Bridge.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Bridge.Addr).Str("path", cfg.Bridge.Path).Msg("Bridge listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("bridge server: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	controller.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Bridge server shutdown incomplete")
	}

	return nil
}
