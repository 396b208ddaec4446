package tensor

import (
	"errors"
	"testing"
)

func TestNoGrad(t *testing.T) {
	x, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, -1})
	x.SetRequiresGrad(true)

	t.Run("ops inside scope record nothing", func(t *testing.T) {
		var y *Tensor
		err := NoGrad(func() error {
			var err error
			y, err = ReLUAutograd(x)
			return err
		})
		if err != nil {
			t.Fatalf("NoGrad returned error: %v", err)
		}
		if y.RequiresGrad() || !y.IsLeaf() {
			t.Error("result computed under NoGrad should not carry autograd history")
		}
		if !GradEnabled() {
			t.Error("gradient recording should be restored after the scope")
		}
	})

	t.Run("restored after error", func(t *testing.T) {
		sentinel := errors.New("boom")
		err := NoGrad(func() error { return sentinel })
		if err != sentinel {
			t.Errorf("expected sentinel error, got %v", err)
		}
		if !GradEnabled() {
			t.Error("gradient recording should be restored after an error")
		}
	})

	t.Run("restored after panic", func(t *testing.T) {
		func() {
			defer func() { _ = recover() }()
			_ = NoGrad(func() error { panic("boom") })
		}()
		if !GradEnabled() {
			t.Error("gradient recording should be restored after a panic")
		}
	})

	t.Run("nested scopes", func(t *testing.T) {
		_ = NoGrad(func() error {
			_ = NoGrad(func() error { return nil })
			if GradEnabled() {
				t.Error("outer scope should still disable recording")
			}
			return nil
		})
		if !GradEnabled() {
			t.Error("gradient recording should be restored after nested scopes")
		}
	})
}
