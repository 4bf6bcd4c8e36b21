// Package optim holds optimizer hyperparameters and their per-weight overrides.
package optim

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hailam/nnuetrain/internal/errs"
)

// Params are the AdamW hyperparameters applied to one weight tensor.
// Weights are clipped to [MinWeight, MaxWeight] after every update.
type Params struct {
	Decay     float64 `json:"decay"`
	Beta1     float64 `json:"beta1"`
	Beta2     float64 `json:"beta2"`
	MinWeight float64 `json:"min_weight"`
	MaxWeight float64 `json:"max_weight"`
}

// DefaultParams matches the AdamW settings used for the original nets.
func DefaultParams() Params {
	return Params{
		Decay:     0.01,
		Beta1:     0.9,
		Beta2:     0.999,
		MinWeight: -1.98,
		MaxWeight: 1.98,
	}
}

// Validate checks ranges.
func (p Params) Validate() error {
	switch {
	case p.Decay < 0:
		return errs.Configf("optimizer", "decay %v must be non-negative", p.Decay)
	case p.Beta1 < 0 || p.Beta1 >= 1:
		return errs.Configf("optimizer", "beta1 %v outside [0, 1)", p.Beta1)
	case p.Beta2 < 0 || p.Beta2 >= 1:
		return errs.Configf("optimizer", "beta2 %v outside [0, 1)", p.Beta2)
	case p.MinWeight > p.MaxWeight:
		return errs.Configf("optimizer", "min weight %v above max weight %v", p.MinWeight, p.MaxWeight)
	}
	return nil
}

// Override is a partial Params record; nil fields fall back to the defaults.
type Override struct {
	Decay     *float64 `json:"decay,omitempty"`
	Beta1     *float64 `json:"beta1,omitempty"`
	Beta2     *float64 `json:"beta2,omitempty"`
	MinWeight *float64 `json:"min_weight,omitempty"`
	MaxWeight *float64 `json:"max_weight,omitempty"`
}

// Clip is the common override that only tightens the weight bounds.
func Clip(lo, hi float64) Override {
	return Override{MinWeight: &lo, MaxWeight: &hi}
}

// Apply merges o over base field by field.
func (o Override) Apply(base Params) Params {
	pick := func(v *float64, def float64) float64 {
		if v != nil {
			return *v
		}
		return def
	}
	return Params{
		Decay:     pick(o.Decay, base.Decay),
		Beta1:     pick(o.Beta1, base.Beta1),
		Beta2:     pick(o.Beta2, base.Beta2),
		MinWeight: pick(o.MinWeight, base.MinWeight),
		MaxWeight: pick(o.MaxWeight, base.MaxWeight),
	}
}

// Table maps weight ids to overrides. It is safe for concurrent use; the
// driver writes it before training and engines read it at step boundaries.
type Table struct {
	mu        sync.RWMutex
	overrides map[string]Override
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{overrides: make(map[string]Override)}
}

// Set replaces any previous override for id.
func (t *Table) Set(id string, o Override) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides[id] = o
}

// Resolve returns the effective parameters for id.
func (t *Table) Resolve(id string, defaults Params) Params {
	t.mu.RLock()
	o, ok := t.overrides[id]
	t.mu.RUnlock()
	if !ok {
		return defaults
	}
	return o.Apply(defaults)
}

// IDs returns the overridden weight ids, sorted.
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.overrides))
	for id := range t.overrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate fails on the first overridden id the engine does not hold and on
// any resolved record that is out of range.
func (t *Table) Validate(defaults Params, has func(id string) bool) error {
	if err := defaults.Validate(); err != nil {
		return err
	}
	for _, id := range t.IDs() {
		if !has(id) {
			return errs.UnknownWeight("optimizer override", id)
		}
		if err := t.Resolve(id, defaults).Validate(); err != nil {
			return fmt.Errorf("override %s: %w", id, err)
		}
	}
	return nil
}

// Resolver binds a table to its defaults.
type Resolver struct {
	Table    *Table
	Defaults Params
}

// Params resolves id.
func (r Resolver) Params(id string) Params {
	if r.Table == nil {
		return r.Defaults
	}
	return r.Table.Resolve(id, r.Defaults)
}

