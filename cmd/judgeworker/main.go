// Command judgeworker consumes submissions from RabbitMQ, judges them in
// an isolated child process and publishes the verdicts back to the
// caller's replyTo queue.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/TriNguyenThanh/UCode/internal/broker"
	"github.com/TriNguyenThanh/UCode/internal/config"
	"github.com/TriNguyenThanh/UCode/internal/health"
	"github.com/TriNguyenThanh/UCode/internal/metrics"
	"github.com/TriNguyenThanh/UCode/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Optional; the environment wins over the file.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting judge worker",
		zap.String("queue", cfg.Broker.Queue),
		zap.Int("max_concurrent", cfg.MaxConcurrentSubmissions),
		zap.Int("max_parallel_testcases", cfg.MaxParallelTestcases),
		zap.Bool("adaptive_mode", cfg.AdaptiveMode))

	m := metrics.New()
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics endpoint listening", zap.Int("port", cfg.MetricsPort))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	runner := worker.NewProcessRunner(cfg.SandboxRunner, logger)
	handler := worker.NewHandler(worker.Config{
		MaxRetry:             cfg.MaxRetryCount,
		MaxParallel:          cfg.MaxParallelTestcases,
		DefaultTimeLimitSec:  float64(cfg.DefaultTimeLimitSec),
		DefaultMemoryLimitKB: cfg.DefaultMemoryLimitKB,
	}, runner, logger)

	var sampler *health.Sampler
	if cfg.AdaptiveMode {
		sampler = health.NewSampler(logger)
	}

	conn := broker.NewConnection(cfg.Broker, logger)
	consumer := broker.NewConsumer(cfg.Broker, conn, handler, sampler, m, broker.ConsumerOptions{
		Adaptive:       cfg.AdaptiveMode,
		Thresholds:     cfg.Thresholds,
		SampleInterval: cfg.SampleInterval,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := consumer.Run(ctx); err != nil {
		logger.Error("consumer failed", zap.Error(err))
		return err
	}
	logger.Info("judge worker stopped")
	return nil
}
