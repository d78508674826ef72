package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strideml/stride/internal/checkpoint"
	"github.com/strideml/stride/internal/module"
	"github.com/strideml/stride/internal/trainer"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run one validation pass",
	Long:  "Validate runs a single validation pass over the module's validation data and prints the metrics.",
	RunE:  runValidate,
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run one test pass",
	Long:  "Test runs a single test pass over the module's test data and prints the metrics.",
	RunE:  runTest,
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Run inference over the predict data",
	Long:  "Predict runs the module's predict step over its predict data and prints one JSON output per batch.",
	RunE:  runPredict,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(predictCmd)

	for _, c := range []*cobra.Command{validateCmd, testCmd, predictCmd} {
		c.Flags().String("checkpoint", "", "Restore module weights from this checkpoint first")
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	return runEval(cmd, "Validation", func(e evalEnv) (map[string]float64, error) {
		return e.trainer.Validate(e.ctx, e.module, nil)
	})
}

func runTest(cmd *cobra.Command, args []string) error {
	return runEval(cmd, "Test", func(e evalEnv) (map[string]float64, error) {
		return e.trainer.Test(e.ctx, e.module, nil)
	})
}

func runPredict(cmd *cobra.Command, args []string) error {
	e, cleanup, err := setupEval(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	outputs, err := e.trainer.Predict(e.ctx, e.module, nil)
	if err != nil {
		return err
	}

	fmt.Printf("Predicted %d batch(es)\n", len(outputs))
	for _, out := range outputs {
		line, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encoding prediction: %w", err)
		}
		fmt.Println(string(line))
	}
	return nil
}

func runEval(cmd *cobra.Command, stage string, pass func(evalEnv) (map[string]float64, error)) error {
	e, cleanup, err := setupEval(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	metrics, err := pass(e)
	if err != nil {
		return err
	}

	fmt.Printf("%s metrics:\n", stage)
	printMetrics(metrics)
	return nil
}

// setupEval wires the shared front half of the evaluation commands:
// config, telemetry, trainer, module and the optional checkpoint
// restore. On error the partial setup is already torn down.
func setupEval(cmd *cobra.Command) (evalEnv, func(), error) {
	noop := func() {}

	cfg, err := loadRun(cmd)
	if err != nil {
		return evalEnv{}, noop, err
	}

	ctx, stop := runContext()

	shutdown, err := setupTelemetry(ctx, cfg)
	if err != nil {
		stop()
		return evalEnv{}, noop, err
	}
	cleanup := func() {
		shutdown()
		stop()
	}

	tr, err := buildTrainer(cfg)
	if err != nil {
		cleanup()
		return evalEnv{}, noop, err
	}
	m, err := buildModule(cfg)
	if err != nil {
		cleanup()
		return evalEnv{}, noop, err
	}

	if path, _ := cmd.Flags().GetString("checkpoint"); path != "" {
		if err := restoreModule(m, path); err != nil {
			cleanup()
			return evalEnv{}, noop, err
		}
		fmt.Printf("Restored module state from %s\n", path)
	}

	return evalEnv{ctx: ctx, trainer: tr, module: m}, cleanup, nil
}

type evalEnv struct {
	ctx     context.Context
	trainer *trainer.Trainer
	module  module.Module
}

// restoreModule loads a checkpoint file and restores its module state.
func restoreModule(m module.Module, path string) error {
	ckpt, err := checkpoint.LoadFile(path)
	if err != nil {
		return err
	}
	if len(ckpt.ModuleState) == 0 {
		return fmt.Errorf("checkpoint %s carries no module state", path)
	}
	snap, ok := m.(module.Snapshotter)
	if !ok {
		return fmt.Errorf("module %q cannot restore snapshots", m.Name())
	}
	if err := snap.Restore(ckpt.ModuleState); err != nil {
		return fmt.Errorf("restoring module state: %w", err)
	}
	return nil
}
