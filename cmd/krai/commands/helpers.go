package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/krai-tech/krai-engine/cmd/krai/ui"
	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/engine"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
)

// openEngine loads configuration and brings up a started engine. The caller
// owns Close.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, userError("load config: %v", err)
	}

	// Keep the terminal readable: engine logs stay at warn unless asked.
	level := "warn"
	if verbose {
		level = "debug"
	}
	log := observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      "console",
		ServiceName: "krai",
	})

	eng, err := engine.New(cfg, log)
	if err != nil {
		return nil, engineFailure(fmt.Errorf("initialize engine: %w", err))
	}
	if err := eng.Start(ctx); err != nil {
		_ = eng.Close()
		return nil, engineFailure(fmt.Errorf("start engine: %w", err))
	}
	return eng, nil
}

func printStageResult(result *pipeline.ProcessingResult) {
	elapsed := result.ProcessingTime.Round(time.Millisecond)
	if result.Success {
		ui.Success("Stage %s completed in %s", result.Stage, elapsed)
		return
	}
	if result.ErrorID != "" {
		ui.Error("Stage %s failed after %s: %s (error id %s)", result.Stage, elapsed, result.Error, result.ErrorID)
		return
	}
	ui.Error("Stage %s failed after %s: %s", result.Stage, elapsed, result.Error)
}

func printMultiStageResult(result *pipeline.MultiStageResult) {
	rows := make([][]string, 0, len(result.StageResults))
	for _, sr := range result.StageResults {
		note := sr.Error
		if note == "" {
			note = "-"
		}
		rows = append(rows, []string{
			strconv.Itoa(sr.Stage.Number()),
			string(sr.Stage),
			string(sr.Status),
			sr.ProcessingTime.Round(time.Millisecond).String(),
			note,
		})
	}
	ui.Table([]string{"#", "Stage", "Status", "Time", "Note"}, rows)
	ui.Newline()

	if result.Failed == 0 {
		ui.Success("%d/%d stages completed", result.Successful, result.TotalStages)
		return
	}
	ui.Error("%d of %d stages failed", result.Failed, result.TotalStages)
}
