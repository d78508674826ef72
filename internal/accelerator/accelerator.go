// Package accelerator abstracts the hardware a run executes on and
// resolves user-facing device specs into concrete device lists.
package accelerator

import (
	"fmt"
	"strconv"
	"strings"
)

// Accelerator describes one kind of compute hardware.
type Accelerator interface {
	// Name returns the accelerator kind, e.g. "cpu".
	Name() string

	// AvailableDevices returns how many devices the host exposes.
	AvailableDevices() (int, error)

	// Describe returns a one-line summary of the hardware.
	Describe() string
}

// Resolve maps an accelerator name to an implementation. "auto"
// selects the best available kind, which is always the CPU in this
// build.
func Resolve(name string) (Accelerator, error) {
	switch name {
	case "", "auto", "cpu":
		return NewCPU(), nil
	case "gpu", "cuda", "mps", "tpu":
		return nil, fmt.Errorf("accelerator %q is not supported in this build", name)
	default:
		return nil, fmt.Errorf("unknown accelerator %q", name)
	}
}

// ParseDevices resolves a device spec against the number of available
// devices. Accepted forms: "auto" (or empty) for all devices, a count
// ("4"), or an explicit id list ("0,1,3").
func ParseDevices(spec string, available int) ([]int, error) {
	if available <= 0 {
		return nil, fmt.Errorf("no devices available")
	}

	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "auto" {
		return sequentialDevices(available), nil
	}

	if !strings.Contains(spec, ",") {
		count, err := strconv.Atoi(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid device spec %q", spec)
		}
		if count <= 0 {
			return nil, fmt.Errorf("device count must be positive, got %d", count)
		}
		return sequentialDevices(count), nil
	}

	parts := strings.Split(spec, ",")
	devices := make([]int, 0, len(parts))
	seen := make(map[int]struct{}, len(parts))
	for _, part := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid device id %q in spec %q", part, spec)
		}
		if id < 0 {
			return nil, fmt.Errorf("device id cannot be negative, got %d", id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate device id %d in spec %q", id, spec)
		}
		seen[id] = struct{}{}
		devices = append(devices, id)
	}

	return devices, nil
}

func sequentialDevices(n int) []int {
	devices := make([]int, n)
	for i := range devices {
		devices[i] = i
	}
	return devices
}
