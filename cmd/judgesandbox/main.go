// Command judgesandbox runs one submission inside isolate boxes. It is
// spawned by the judge worker per submission so a sandbox crash cannot
// take the consumer down. The payload arrives on stdin, the verdict
// array leaves on stdout, diagnostics go to stderr.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/TriNguyenThanh/UCode/internal/config"
	"github.com/TriNguyenThanh/UCode/internal/sandbox"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// stdout carries the verdicts, so all logging goes to stderr.
	logger, err := stderrLogger()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	var payload sandbox.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	driver := sandbox.NewDriver(sandbox.DriverConfig{
		Binary:      cfg.IsolateBinary,
		BoxRoot:     cfg.BoxRoot,
		Nice:        cfg.IsolateNice,
		CPUAffinity: cfg.CPUAffinity,
	}, logger)
	executor := sandbox.NewExecutor(driver, cfg.MaxParallelTestcases, logger)

	logger.Info("executing submission",
		zap.String("language", payload.Language),
		zap.Int("testcases", len(payload.Testcases)))

	verdicts := executor.Execute(context.Background(), payload.Language, payload.Code,
		payload.Testcases, payload.TimeLimitSec, payload.MemoryLimitKB)
	logger.Info("submission executed",
		zap.Int("verdicts", len(verdicts)),
		zap.Int64("isolate_runs", driver.RunCount()))

	out, err := json.Marshal(verdicts)
	if err != nil {
		return fmt.Errorf("encode verdicts: %w", err)
	}
	if _, err := os.Stdout.Write(out); err != nil {
		return fmt.Errorf("write verdicts: %w", err)
	}
	return nil
}

func stderrLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}
