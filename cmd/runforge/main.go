package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/config"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/events/bus"
	"github.com/runforge/runforge/internal/job"
	"github.com/runforge/runforge/internal/job/classify"
	"github.com/runforge/runforge/internal/server"
	"github.com/runforge/runforge/internal/stream"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Runforge service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus. An empty NATS URL selects the in-memory
	// bus for single-process deployments.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Build the line classifier, with extra rules if configured
	classifier := classify.NewClassifier()
	if cfg.Engine.RulesPath != "" {
		rules, err := classify.LoadRules(cfg.Engine.RulesPath)
		if err != nil {
			log.Fatal("Failed to load classification rules",
				zap.String("path", cfg.Engine.RulesPath), zap.Error(err))
		}
		classifier = classify.NewClassifierWithRules(rules)
		log.Info("Loaded extra classification rules",
			zap.String("path", cfg.Engine.RulesPath), zap.Int("rules", len(rules)))
	}

	// 6. Initialize the job supervisor
	supervisor := job.NewSupervisor(cfg.Engine, classifier, eventBus, log)
	log.Info("Initialized job supervisor",
		zap.String("tool", cfg.Engine.Tool),
		zap.String("work_dir", cfg.Engine.WorkDir))

	// 7. Start the WebSocket stream hub
	hub := stream.NewHub(eventBus, log)
	hub.SetReplayProvider(outputReplay(supervisor))
	if err := hub.Start(ctx); err != nil {
		log.Fatal("Failed to start stream hub", zap.Error(err))
	}

	// 8. Setup HTTP server
	router := server.NewRouter(supervisor, hub, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 9. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Runforge service...")

	cancel()

	// Graceful shutdown: stop accepting requests, then cancel the
	// active job and wait for its process to exit.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	supervisor.Shutdown(shutdownCtx)

	log.Info("Runforge service stopped")
}

// outputReplay adapts the supervisor's buffered output into events the
// stream hub can replay to late subscribers.
func outputReplay(supervisor *job.Supervisor) stream.ReplayProvider {
	return func(jobID string) ([]*bus.Event, error) {
		lines, err := supervisor.Output(jobID)
		if err != nil {
			return nil, err
		}
		replay := make([]*bus.Event, 0, len(lines))
		for _, line := range lines {
			replay = append(replay, bus.NewEvent(events.JobOutput, "replay", map[string]interface{}{
				"job_id": jobID,
				"text":   line.Text,
				"tag":    string(line.Tag),
				"stream": line.Stream,
			}))
		}
		return replay, nil
	}
}
