// Package commands implements the krai operator CLI.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/krai-tech/krai-engine/cmd/krai/ui"
)

var (
	cfgFile string
	verbose bool
	noColor bool

	listStages bool
	filePath   string
	documentID string
	stageName  string
	stageCSV   string
	smart      bool
	statusID   string
	stopOnErr  bool
)

var rootCmd = &cobra.Command{
	Use:   "krai",
	Short: "KRAI engine operator tool - upload documents and run pipeline stages",
	Long: `The krai tool drives the document processing pipeline: upload technical
PDFs, run individual stages or stage sequences, resume interrupted documents,
and inspect per-stage status.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.Flags().BoolVar(&listStages, "list-stages", false, "print the pipeline stages and exit")
	rootCmd.Flags().StringVar(&filePath, "file-path", "", "PDF file to upload")
	rootCmd.Flags().StringVar(&documentID, "document-id", "", "document to process")
	rootCmd.Flags().StringVar(&stageName, "stage", "", "stage name or number to run")
	rootCmd.Flags().StringVar(&stageCSV, "stages", "", "comma-separated stages to run in order")
	rootCmd.Flags().BoolVar(&smart, "smart", false, "run only stages not yet completed")
	rootCmd.Flags().StringVar(&statusID, "status", "", "print per-stage status for a document")
	rootCmd.Flags().BoolVar(&stopOnErr, "stop-on-error", false, "abort a multi-stage run on the first failure")
}

// Execute runs the root command under an interrupt-aware context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func run(cmd *cobra.Command, args []string) error {
	ui.Init(noColor)

	if listStages {
		return runListStages()
	}

	selected := 0
	for _, on := range []bool{filePath != "", documentID != "", statusID != ""} {
		if on {
			selected++
		}
	}
	if selected != 1 {
		return userError("exactly one of --list-stages, --file-path, --document-id or --status is required")
	}

	ctx := cmd.Context()
	switch {
	case statusID != "":
		return runStatus(ctx)
	case filePath != "":
		if stageCSV != "" || smart {
			return userError("--file-path combines only with --stage")
		}
		return runUpload(ctx)
	default:
		id, err := uuid.Parse(documentID)
		if err != nil {
			return userError("invalid document id %q", documentID)
		}
		picked := 0
		for _, on := range []bool{stageName != "", stageCSV != "", smart} {
			if on {
				picked++
			}
		}
		if picked != 1 {
			return userError("--document-id needs exactly one of --stage, --stages or --smart")
		}

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		switch {
		case stageName != "":
			return runStage(ctx, eng, id)
		case stageCSV != "":
			return runStages(ctx, eng, id)
		default:
			return runSmart(ctx, eng, id)
		}
	}
}
