package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ent0n29/livewire/internal/auth"
	"github.com/ent0n29/livewire/internal/config"
	"github.com/ent0n29/livewire/internal/device"
	"github.com/ent0n29/livewire/internal/httpapi"
	"github.com/ent0n29/livewire/internal/live"
	"github.com/ent0n29/livewire/internal/observability"
	"github.com/ent0n29/livewire/internal/playback"
	"github.com/ent0n29/livewire/internal/policy"
	"github.com/ent0n29/livewire/internal/protocol"
	"github.com/ent0n29/livewire/internal/store"
	"github.com/ent0n29/livewire/internal/vad"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	ctx := context.Background()
	conversationStore, err := store.NewStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("conversation store init failed", zap.Error(err))
	}
	defer conversationStore.Close()

	tokens, err := auth.FromSettings(auth.Settings{
		Provider:    cfg.LiveProvider,
		APIKey:      cfg.GeminiAPIKey,
		AccessToken: cfg.VertexAccessToken,
	})
	if err != nil {
		// The API still serves health and status; connect reports the
		// missing credential.
		logger.Warn("no live credential configured", zap.Error(err))
	}

	endpoint := cfg.LiveWSURL
	if endpoint == "" {
		endpoint = live.GeminiURL
		if cfg.LiveProvider == "vertex" {
			endpoint = live.VertexURL(cfg.VertexRegion)
		}
	}
	dialer := live.NewWebsocketDialer(endpoint, cfg.ConnectTimeout)

	capture, player, closeDevices := buildDevices(cfg, logger)
	defer closeDevices()

	model := cfg.LiveModel
	if cfg.LiveProvider == "vertex" {
		model = vertexModel(cfg.VertexProjectID, cfg.VertexRegion, model)
	}

	hub := httpapi.NewEventHub(0, metrics, logger)
	deps := live.Deps{
		Tokens:   tokens,
		Dialer:   dialer,
		Store:    conversationStore,
		Redactor: policy.NewPIIRedactor(logger),
		Capture:  capture,
		Player:   player,
		Observer: hub,
		Logger:   logger,
		Metrics:  metrics,
	}
	manager := live.NewManager(live.ManagerConfig{
		Supervisor: live.SupervisorConfig{
			ConnectTimeout:   cfg.ConnectTimeout,
			HandshakeTimeout: cfg.HandshakeTimeout,
			GraceWindow:      cfg.GraceWindow,
			BackoffBase:      cfg.BackoffBase,
			BackoffMax:       cfg.BackoffMax,
			BackoffJitter:    cfg.BackoffJitter,
			MaxAttempts:      cfg.MaxAttempts,
		},
		ConnectWait:      cfg.ConnectWait,
		InputSampleRate:  cfg.InputSampleRate,
		OutputSampleRate: cfg.OutputSampleRate,
		VAD: vad.Config{
			SilenceThreshold: cfg.VADSilenceThreshold,
			TrailingSilence:  cfg.VADTrailingSilence,
		},
		Playback: playback.Config{
			Window:          cfg.PlaybackWindow,
			MaxSegmentBytes: cfg.PlaybackMaxSegmentBytes,
		},
		InactivityTimeout: cfg.SessionInactivityTimeout,
		Defaults: protocol.SetupParams{
			Model:             model,
			Voice:             cfg.LiveVoice,
			SystemInstruction: cfg.LiveSystemInstruction,
			TranscribeInput:   true,
			TranscribeOutput:  true,
		},
	}, deps)

	api := httpapi.New(cfg, manager, hub, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	if cfg.AutoConnect {
		if err := manager.Connect(ctx, live.ConnectParams{}); err != nil {
			logger.Error("autoconnect failed", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	manager.Terminate()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}

func buildDevices(cfg config.Config, logger *zap.Logger) (device.Capturer, device.Player, func()) {
	if cfg.AudioDevice != "exec" {
		mock := device.NewMockDevice(cfg.InputSampleRate, cfg.CaptureChunk)
		logger.Info("audio device: mock")
		return mock, mock, func() {}
	}

	captureArgv := device.SplitCommand(cfg.CaptureCommand)
	if len(captureArgv) == 0 {
		captureArgv = device.DefaultCaptureCommand(cfg.InputSampleRate)
	}
	playbackArgv := device.SplitCommand(cfg.PlaybackCommand)
	if len(playbackArgv) == 0 {
		playbackArgv = device.DefaultPlaybackCommand(cfg.OutputSampleRate)
	}
	logger.Info("audio device: exec",
		zap.String("capture", strings.Join(captureArgv, " ")),
		zap.String("playback", strings.Join(playbackArgv, " ")),
	)
	capture := device.NewExecCapture(captureArgv, cfg.InputSampleRate, cfg.CaptureChunk, logger)
	player := device.NewExecPlayer(playbackArgv, cfg.OutputSampleRate, logger)
	return capture, player, func() {
		if err := player.Close(); err != nil {
			logger.Debug("close playback process", zap.Error(err))
		}
	}
}

// vertexModel expands a bare model id into the resource path Vertex expects.
func vertexModel(project, region, model string) string {
	model = strings.TrimSpace(model)
	if project == "" || strings.HasPrefix(model, "projects/") {
		return model
	}
	if region == "" {
		region = "us-central1"
	}
	return fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s", project, region, model)
}
