// Package device describes the compute unit episodes run on. The capability is
// resolved once from configuration and then applied to the tensor package, so
// the rest of the code never queries hardware directly.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"

	"github.com/tsawler/go-protonet/tensor"
)

// ErrDeviceUnavailable is returned when the requested device cannot be used on this host.
var ErrDeviceUnavailable = errors.New("device unavailable")

// Capability is the resolved compute placement for a run.
type Capability struct {
	Kind     tensor.DeviceType
	Workers  int
	Vendor   string
	Brand    string
	Features []string
}

// Detect inspects the host CPU.
func Detect() Capability {
	workers := cpuid.CPU.LogicalCores
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var features []string
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.AVX2, "avx2"},
		{cpuid.AVX512F, "avx512f"},
		{cpuid.FMA3, "fma3"},
		{cpuid.ASIMD, "neon"},
	} {
		if cpuid.CPU.Supports(f.id) {
			features = append(features, f.name)
		}
	}

	kind := tensor.CPU
	if workers > 1 {
		kind = tensor.Accelerated
	}

	return Capability{
		Kind:     kind,
		Workers:  workers,
		Vendor:   cpuid.CPU.VendorString,
		Brand:    strings.TrimSpace(cpuid.CPU.BrandName),
		Features: features,
	}
}

// Resolve maps a configuration value ("auto", "cpu" or "accelerated") to a capability.
func Resolve(requested string) (Capability, error) {
	detected := Detect()

	switch strings.ToLower(strings.TrimSpace(requested)) {
	case "", "auto":
		return detected, nil
	case "cpu":
		detected.Kind = tensor.CPU
		detected.Workers = 1
		return detected, nil
	case "accelerated":
		if detected.Workers < 2 {
			return Capability{}, errors.Wrapf(ErrDeviceUnavailable,
				"accelerated execution needs more than one core, host has %d", detected.Workers)
		}
		detected.Kind = tensor.Accelerated
		return detected, nil
	default:
		return Capability{}, errors.Errorf("unknown device %q (want auto, cpu or accelerated)", requested)
	}
}

// Apply configures the tensor worker pool for this capability.
func (c Capability) Apply() {
	if c.Kind == tensor.Accelerated {
		tensor.SetWorkers(c.Workers)
		return
	}
	tensor.SetWorkers(1)
}

func (c Capability) String() string {
	return fmt.Sprintf("%s workers=%d cpu=%q features=%s",
		c.Kind, c.Workers, c.Brand, strings.Join(c.Features, ","))
}
