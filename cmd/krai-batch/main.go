// Package main provides the krai-batch bulk ingestion tool: it walks a
// directory of technical PDFs and runs each one through the full pipeline
// with bounded concurrency.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/engine"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
)

var (
	cfgFile     string
	dirPath     string
	concurrency int
	verbose     bool
	noColor     bool
)

var errBatchFailed = errors.New("batch finished with failures")

var rootCmd = &cobra.Command{
	Use:   "krai-batch",
	Short: "Bulk-ingest a directory of technical PDFs through the full pipeline",
	Long: `krai-batch scans a directory for PDF files (.pdf and .pdfz), uploads each
one, and runs the full processing pipeline per document with bounded
concurrency. Identical files uploaded before are recognized by content hash
and resumed rather than duplicated.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBatch,
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.Flags().StringVarP(&dirPath, "dir", "d", "", "directory to scan for PDFs (required)")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 0, "documents processed in parallel (default: pipeline.max_concurrent_docs)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	_ = rootCmd.MarkFlagRequired("dir")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errBatchFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// fileOutcome records how one file fared, written by exactly one goroutine.
type fileOutcome struct {
	path        string
	documentID  uuid.UUID
	duplicate   bool
	successful  int
	failed      int
	failedStage string
	err         error
}

func runBatch(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	files, err := collectPDFs(dirPath)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no PDF files under %s", dirPath)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if concurrency <= 0 {
		concurrency = cfg.Pipeline.MaxConcurrentDocs
	}
	if concurrency <= 0 {
		concurrency = 3
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	log := observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      "console",
		ServiceName: "krai-batch",
	})

	eng, err := engine.New(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	if err := eng.Start(cmd.Context()); err != nil {
		_ = eng.Close()
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Close()

	ui := NewUI(noColor)
	stageCount := int64(len(pipeline.AllStages()))
	outcomes := make([]fileOutcome, len(files))

	g, gctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(concurrency)
	for i, path := range files {
		g.Go(func() error {
			outcomes[i] = ingestFile(gctx, eng, ui, path, stageCount)
			return gctx.Err()
		})
	}
	waitErr := g.Wait()
	ui.Wait()

	failedFiles := 0
	for _, out := range outcomes {
		name := filepath.Base(out.path)
		switch {
		case out.err != nil:
			ui.Error("%s: %v", name, out.err)
			failedFiles++
		case out.failed > 0:
			ui.Error("%s (%s): failed at stage %s", name, out.documentID, out.failedStage)
			failedFiles++
		case out.duplicate:
			ui.Warning("%s (%s): already ingested, %d stages verified", name, out.documentID, out.successful)
		default:
			ui.Success("%s (%s): %d stages completed", name, out.documentID, out.successful)
		}
	}

	if waitErr != nil {
		return fmt.Errorf("batch interrupted: %w", waitErr)
	}
	if failedFiles > 0 {
		return fmt.Errorf("%w: %d of %d files", errBatchFailed, failedFiles, len(files))
	}
	ui.Success("Ingested %d files", len(files))
	return nil
}

func ingestFile(ctx context.Context, eng *engine.Engine, ui *UI, path string, totalStages int64) fileOutcome {
	out := fileOutcome{path: path}
	bar := ui.FileBar(filepath.Base(path), totalStages)

	receipt, err := eng.UploadDocument(ctx, path)
	if err != nil {
		bar.Abort(true)
		out.err = fmt.Errorf("upload: %w", err)
		return out
	}
	out.documentID = receipt.Document.ID
	out.duplicate = receipt.Duplicate

	result, err := eng.ProcessAll(ctx, receipt.Document.ID, true,
		func(pipeline.Stage, *pipeline.ProcessingResult) { bar.Increment() })
	if err != nil {
		bar.Abort(true)
		out.err = err
		return out
	}

	out.successful = result.Successful
	out.failed = result.Failed
	if result.Failed > 0 {
		out.failedStage = string(result.StageResults[len(result.StageResults)-1].Stage)
		bar.Abort(false)
	}
	return out
}

func collectPDFs(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".pdf", ".pdfz":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}
