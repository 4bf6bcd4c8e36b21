package optim

import (
	"errors"
	"sync"
	"testing"

	"github.com/hailam/nnuetrain/internal/errs"
)

func TestResolveWithoutOverrideReturnsDefaults(t *testing.T) {
	table := NewTable()
	defaults := DefaultParams()
	if got := table.Resolve("l0w", defaults); got != defaults {
		t.Errorf("Resolve = %+v, want defaults %+v", got, defaults)
	}
}

func TestResolveMergesOverriddenFields(t *testing.T) {
	table := NewTable()
	table.Set("l0w", Clip(-0.99, 0.99))

	defaults := DefaultParams()
	got := table.Resolve("l0w", defaults)

	want := defaults
	want.MinWeight, want.MaxWeight = -0.99, 0.99
	if got != want {
		t.Errorf("Resolve = %+v, want %+v", got, want)
	}
	if other := table.Resolve("l1w", defaults); other != defaults {
		t.Errorf("unrelated id picked up override: %+v", other)
	}
}

func TestSetReplacesWholesale(t *testing.T) {
	table := NewTable()
	decay := 0.0
	table.Set("l0w", Clip(-0.5, 0.5))
	table.Set("l0w", Override{Decay: &decay})

	defaults := DefaultParams()
	got := table.Resolve("l0w", defaults)
	if got.MinWeight != defaults.MinWeight || got.MaxWeight != defaults.MaxWeight {
		t.Errorf("second Set should drop earlier clip bounds, got %+v", got)
	}
	if got.Decay != 0 {
		t.Errorf("Decay = %v, want 0", got.Decay)
	}
}

func TestValidate(t *testing.T) {
	table := NewTable()
	table.Set("l0w", Clip(-0.99, 0.99))
	has := func(id string) bool { return id == "l0w" || id == "l1w" }

	if err := table.Validate(DefaultParams(), has); err != nil {
		t.Errorf("Validate valid table: %v", err)
	}

	table.Set("l9w", Clip(-1, 1))
	var ce *errs.ConfigError
	if err := table.Validate(DefaultParams(), has); !errors.As(err, &ce) {
		t.Errorf("unknown id: got %v, want *errs.ConfigError", err)
	}

	inverted := NewTable()
	inverted.Set("l0w", Clip(1, -1))
	if err := inverted.Validate(DefaultParams(), has); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("inverted clip: got %v, want config error", err)
	}

	bad := DefaultParams()
	bad.Beta2 = 1
	if err := NewTable().Validate(bad, has); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("beta2=1: got %v, want config error", err)
	}
}

func TestConcurrentResolve(t *testing.T) {
	table := NewTable()
	table.Set("l0w", Clip(-0.99, 0.99))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if table.Resolve("l0w", DefaultParams()).MaxWeight != 0.99 {
					t.Error("concurrent Resolve returned wrong bound")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestAdamWClipsToBounds(t *testing.T) {
	w := []float32{0.98, -0.98, 0}
	grad := []float32{-1, 1, 0}
	opt := NewAdamW(len(w))
	p := DefaultParams()
	p.Decay = 0
	p.MinWeight, p.MaxWeight = -0.99, 0.99

	for i := 0; i < 10; i++ {
		opt.Update(w, grad, 0.01, p)
	}
	if w[0] != 0.99 || w[1] != -0.99 {
		t.Errorf("weights = %v, want clipped to +-0.99", w)
	}
	if w[2] != 0 {
		t.Errorf("zero-gradient weight moved to %v", w[2])
	}
	if opt.Steps() != 10 {
		t.Errorf("Steps = %d, want 10", opt.Steps())
	}
}

func TestAdamWDescends(t *testing.T) {
	// Minimise (w-0.5)^2.
	w := []float32{0}
	opt := NewAdamW(1)
	p := DefaultParams()
	p.Decay = 0
	for i := 0; i < 2000; i++ {
		g := []float32{2 * (w[0] - 0.5)}
		opt.Update(w, g, 0.01, p)
	}
	if d := w[0] - 0.5; d > 0.05 || d < -0.05 {
		t.Errorf("w = %v, want about 0.5", w[0])
	}
}
