package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strideml/stride/internal/data"
	"github.com/strideml/stride/internal/module"
	"github.com/strideml/stride/internal/tuner"
)

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Probe for workable hyperparameters",
	Long:  "Tune runs the hyperparameter probes against the configured module and prints their suggestions.",
}

var tuneLRCmd = &cobra.Command{
	Use:   "lr",
	Short: "Sweep learning rates and suggest one",
	Long: `Lr ramps the learning rate exponentially across the tuner's
configured range, records the loss at each step and suggests the rate
at the steepest descent of the smoothed curve.`,
	RunE: runTuneLR,
}

var tuneBatchSizeCmd = &cobra.Command{
	Use:   "batch-size",
	Short: "Find the largest batch size the module survives",
	Long: `Batch-size doubles the batch size from the configured starting
value until the dataset runs out or the module errors, and suggests
the largest size that survived a full trial.`,
	RunE: runTuneBatchSize,
}

func init() {
	rootCmd.AddCommand(tuneCmd)
	tuneCmd.AddCommand(tuneLRCmd)
	tuneCmd.AddCommand(tuneBatchSizeCmd)
}

func runTuneLR(cmd *cobra.Command, args []string) error {
	cfg, err := loadRun(cmd)
	if err != nil {
		return err
	}
	m, err := buildModule(cfg)
	if err != nil {
		return err
	}
	loader, err := trainLoader(m)
	if err != nil {
		return err
	}

	ctx, stop := runContext()
	defer stop()

	settings := cfg.Tuner.LRFinder
	res, err := tuner.FindLR(ctx, tuner.LRFinderConfig{
		Module:        m,
		Loader:        loader,
		NumSteps:      settings.NumSteps,
		MinLR:         settings.MinLR,
		MaxLR:         settings.MaxLR,
		DivergeFactor: settings.DivergeFactor,
	})
	if err != nil {
		return err
	}

	n := len(res.LRs)
	fmt.Printf("Swept %d learning rate(s) in [%g, %g]\n", n, res.LRs[0], res.LRs[n-1])
	fmt.Printf("Suggested learning rate: %g\n", res.Suggestion)
	return nil
}

func runTuneBatchSize(cmd *cobra.Command, args []string) error {
	cfg, err := loadRun(cmd)
	if err != nil {
		return err
	}
	m, err := buildModule(cfg)
	if err != nil {
		return err
	}
	loader, err := trainLoader(m)
	if err != nil {
		return err
	}
	dl, ok := loader.(*data.DataLoader)
	if !ok {
		return fmt.Errorf("module %q does not expose its training dataset", m.Name())
	}

	ctx, stop := runContext()
	defer stop()

	settings := cfg.Tuner.BatchSize
	size, err := tuner.ScaleBatchSize(ctx, tuner.BatchSizeFinderConfig{
		Module:        m,
		Dataset:       dl.Dataset(),
		InitVal:       settings.InitVal,
		MaxTrials:     settings.MaxTrials,
		StepsPerTrial: settings.StepsPerTrial,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Suggested batch size: %d\n", size)
	return nil
}

// trainLoader pulls the module's own training data, the same source a
// fit would use when the caller passes no loader.
func trainLoader(m module.Module) (data.Loader, error) {
	p, ok := m.(module.TrainLoaderProvider)
	if !ok {
		return nil, fmt.Errorf("module %q provides no training data", m.Name())
	}
	loader, err := p.TrainLoader()
	if err != nil {
		return nil, fmt.Errorf("module train loader: %w", err)
	}
	return loader, nil
}
