package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/strideml/stride/internal/trainer"
)

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Train the configured module",
	Long: `Fit trains the module named by the config until a stop condition
trips, running scheduled validation and checkpointing along the way.
SIGINT interrupts the run gracefully; loggers and checkpoints still
finalize.`,
	RunE: runFit,
}

func init() {
	rootCmd.AddCommand(fitCmd)

	fitCmd.Flags().Bool("fast-dev-run", false, "One batch per loop, no checkpointing or logging")
	fitCmd.Flags().String("resume", "", "Checkpoint file to resume from (overrides resume_from)")
}

func runFit(cmd *cobra.Command, args []string) error {
	cfg, err := loadRun(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetBool("fast-dev-run"); v {
		cfg.Trainer.FastDevRun = true
	}
	if v, _ := cmd.Flags().GetString("resume"); v != "" {
		cfg.Trainer.ResumeFrom = v
	}

	ctx, stop := runContext()
	defer stop()

	shutdown, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	tr, err := buildTrainer(cfg)
	if err != nil {
		return err
	}
	m, err := buildModule(cfg)
	if err != nil {
		return err
	}

	res, ferr := tr.Fit(ctx, m, nil, nil)
	if res != nil {
		printFitResult(res)
	}
	return ferr
}

func printFitResult(res *trainer.Result) {
	fmt.Printf("Run %s %s after %d epoch(s), %d step(s) in %s\n",
		res.RunID, res.State.Status, res.State.CurrentEpoch, res.State.GlobalStep,
		res.Duration.Round(time.Millisecond))
	if res.StopReason != "" {
		fmt.Printf("Stop reason: %s\n", res.StopReason)
	}
	if res.BestModelPath != "" {
		fmt.Printf("Best checkpoint: %s\n", res.BestModelPath)
	}
	if len(res.TrainMetrics) > 0 {
		fmt.Println("Train metrics:")
		printMetrics(res.TrainMetrics)
	}
	if len(res.ValMetrics) > 0 {
		fmt.Println("Validation metrics:")
		printMetrics(res.ValMetrics)
	}
}
