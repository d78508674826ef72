package accelerator

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/cpu"
)

// CPU runs training on host cores. "Devices" are logical cores; the
// ddp strategy uses the device count as its world size.
type CPU struct {
	countsFunc func(logical bool) (int, error)
}

// NewCPU creates the CPU accelerator.
func NewCPU() *CPU {
	return &CPU{countsFunc: cpu.Counts}
}

func (c *CPU) Name() string { return "cpu" }

// AvailableDevices returns the number of logical cores.
func (c *CPU) AvailableDevices() (int, error) {
	count, err := c.countsFunc(true)
	if err != nil {
		return 0, fmt.Errorf("cpu accelerator: failed to count cores: %w", err)
	}
	if count < 1 {
		return 0, fmt.Errorf("cpu accelerator: no cores reported")
	}
	return count, nil
}

// Describe summarizes the CPU brand, core counts and the vector
// instruction sets the training math can use.
func (c *CPU) Describe() string {
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = "unknown cpu"
	}

	desc := fmt.Sprintf("%s (%d physical / %d logical cores)",
		brand, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)

	if features := vectorFeatures(); len(features) > 0 {
		desc += " [" + strings.Join(features, " ") + "]"
	}
	return desc
}

// vectorFeatures lists the SIMD extensions present on this host.
func vectorFeatures() []string {
	checks := []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.AVX512F, "avx512f"},
		{cpuid.AVX512DQ, "avx512dq"},
		{cpuid.AVX2, "avx2"},
		{cpuid.AVX, "avx"},
		{cpuid.FMA3, "fma3"},
	}

	var features []string
	for _, check := range checks {
		if cpuid.CPU.Supports(check.id) {
			features = append(features, check.name)
		}
	}
	return features
}
