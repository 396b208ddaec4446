package device

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-protonet/tensor"
)

func TestResolve(t *testing.T) {
	t.Run("cpu forces a single worker", func(t *testing.T) {
		c, err := Resolve("cpu")
		if err != nil {
			t.Fatalf("Resolve(cpu): %v", err)
		}
		if c.Kind != tensor.CPU || c.Workers != 1 {
			t.Errorf("expected CPU with 1 worker, got %s", c)
		}
	})

	t.Run("auto uses detection", func(t *testing.T) {
		c, err := Resolve("auto")
		if err != nil {
			t.Fatalf("Resolve(auto): %v", err)
		}
		if c.Workers < 1 {
			t.Errorf("expected at least one worker, got %d", c.Workers)
		}
	})

	t.Run("accelerated on this host", func(t *testing.T) {
		c, err := Resolve("accelerated")
		if Detect().Workers < 2 {
			if errors.Cause(err) != ErrDeviceUnavailable {
				t.Errorf("expected ErrDeviceUnavailable, got %v", err)
			}
			return
		}
		if err != nil || c.Kind != tensor.Accelerated {
			t.Errorf("expected accelerated capability, got %v, %v", c, err)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		if _, err := Resolve("tpu"); err == nil {
			t.Error("expected error for unknown device")
		}
	})
}

func TestApply(t *testing.T) {
	prev := tensor.Workers()
	defer tensor.SetWorkers(prev)

	Capability{Kind: tensor.Accelerated, Workers: 4}.Apply()
	if tensor.Workers() != 4 {
		t.Errorf("expected 4 workers, got %d", tensor.Workers())
	}

	Capability{Kind: tensor.CPU, Workers: 8}.Apply()
	if tensor.Workers() != 1 {
		t.Errorf("expected CPU capability to use 1 worker, got %d", tensor.Workers())
	}
}
