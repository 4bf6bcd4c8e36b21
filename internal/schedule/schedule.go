// Package schedule provides the learning-rate and WDL blend policies.
//
// A Policy is a pure function of a Step. Policies compose: Warmup wraps an
// inner policy and Sequence switches between two at a boundary superbatch.
package schedule

import (
	"fmt"
	"math"

	"github.com/hailam/nnuetrain/internal/errs"
)

// Step locates one batch inside the span a policy is evaluated over.
// Superbatches are numbered inclusively from Start to End.
type Step struct {
	Superbatch           int
	Batch                int // index within the superbatch
	Start, End           int
	BatchesPerSuperbatch int
}

// At builds the step for batch within superbatch of a run spanning [start, end].
func At(superbatch, batch, start, end, batchesPerSuperbatch int) Step {
	return Step{
		Superbatch:           superbatch,
		Batch:                batch,
		Start:                start,
		End:                  end,
		BatchesPerSuperbatch: batchesPerSuperbatch,
	}
}

// Absolute returns the number of batches completed before this one in the span.
func (s Step) Absolute() int {
	return (s.Superbatch-s.Start)*s.BatchesPerSuperbatch + s.Batch
}

// Progress returns the position of the superbatch in the span as a value
// in [0, 1]. A span of one superbatch has progress 0.
func (s Step) Progress() float64 {
	if s.End <= s.Start {
		return 0
	}
	p := float64(s.Superbatch-s.Start) / float64(s.End-s.Start)
	return min(max(p, 0), 1)
}

// Policy maps a step to a scalar. The set of policies is closed.
type Policy interface {
	Value(s Step) float64
	fmt.Stringer
	policy()
}

// Constant returns the same value everywhere.
type Constant struct {
	V float64
}

// NewConstant returns a constant learning rate.
func NewConstant(v float64) (Constant, error) {
	if v < 0 || math.IsNaN(v) {
		return Constant{}, errs.Configf("constant", "value %v must be non-negative", v)
	}
	return Constant{V: v}, nil
}

func (c Constant) Value(Step) float64 { return c.V }
func (c Constant) String() string     { return fmt.Sprintf("constant(%g)", c.V) }
func (Constant) policy()              {}

// StepLR multiplies by Gamma every StepSize superbatches.
type StepLR struct {
	Start    float64
	Gamma    float64
	StepSize int
}

// NewStepLR returns start * gamma^floor(superbatch/stepSize).
func NewStepLR(start, gamma float64, stepSize int) (StepLR, error) {
	if stepSize <= 0 {
		return StepLR{}, errs.Configf("step", "step size must be positive, got %d", stepSize)
	}
	if gamma <= 0 {
		return StepLR{}, errs.Configf("step", "gamma must be positive, got %v", gamma)
	}
	return StepLR{Start: start, Gamma: gamma, StepSize: stepSize}, nil
}

func (p StepLR) Value(s Step) float64 {
	n := max(s.Superbatch, 0) / p.StepSize
	return p.Start * math.Pow(p.Gamma, float64(n))
}

func (p StepLR) String() string {
	return fmt.Sprintf("step(start=%g, gamma=%g, every=%d)", p.Start, p.Gamma, p.StepSize)
}

func (StepLR) policy() {}

// CosineDecay anneals from Initial to Final over FinalSuperbatch superbatches.
type CosineDecay struct {
	Initial, Final  float64
	FinalSuperbatch int
}

// NewCosineDecay returns a cosine annealing policy that holds Final after
// finalSuperbatch.
func NewCosineDecay(initial, final float64, finalSuperbatch int) (CosineDecay, error) {
	if finalSuperbatch <= 0 {
		return CosineDecay{}, errs.Configf("cosine", "final superbatch must be positive, got %d", finalSuperbatch)
	}
	return CosineDecay{Initial: initial, Final: final, FinalSuperbatch: finalSuperbatch}, nil
}

func (p CosineDecay) Value(s Step) float64 {
	sb := min(max(s.Superbatch, 0), p.FinalSuperbatch)
	if sb == p.FinalSuperbatch {
		return p.Final
	}
	ratio := float64(sb) / float64(p.FinalSuperbatch)
	return p.Final + 0.5*(p.Initial-p.Final)*(1+math.Cos(math.Pi*ratio))
}

func (p CosineDecay) String() string {
	return fmt.Sprintf("cosine(%g -> %g by %d)", p.Initial, p.Final, p.FinalSuperbatch)
}

func (CosineDecay) policy() {}

// LinearDecay interpolates from Initial to Final over FinalSuperbatch superbatches.
type LinearDecay struct {
	Initial, Final  float64
	FinalSuperbatch int
}

// NewLinearDecay returns a linear decay policy that holds Final after
// finalSuperbatch.
func NewLinearDecay(initial, final float64, finalSuperbatch int) (LinearDecay, error) {
	if finalSuperbatch <= 0 {
		return LinearDecay{}, errs.Configf("linear_decay", "final superbatch must be positive, got %d", finalSuperbatch)
	}
	return LinearDecay{Initial: initial, Final: final, FinalSuperbatch: finalSuperbatch}, nil
}

func (p LinearDecay) Value(s Step) float64 {
	sb := min(max(s.Superbatch, 0), p.FinalSuperbatch)
	return p.Initial + (p.Final-p.Initial)*float64(sb)/float64(p.FinalSuperbatch)
}

func (p LinearDecay) String() string {
	return fmt.Sprintf("linear_decay(%g -> %g by %d)", p.Initial, p.Final, p.FinalSuperbatch)
}

func (LinearDecay) policy() {}

// Warmup ramps linearly from 0 during the first Batches batches of the span.
type Warmup struct {
	Inner   Policy
	Batches int
}

// NewWarmup wraps inner with a warmup of batches batches.
func NewWarmup(inner Policy, batches int) (Warmup, error) {
	if inner == nil {
		return Warmup{}, errs.Configf("warmup", "missing inner policy")
	}
	if batches <= 0 {
		return Warmup{}, errs.Configf("warmup", "warmup batches must be positive, got %d", batches)
	}
	return Warmup{Inner: inner, Batches: batches}, nil
}

func (p Warmup) Value(s Step) float64 {
	abs := s.Absolute()
	if abs >= p.Batches {
		return p.Inner.Value(s)
	}
	first := s
	first.Superbatch, first.Batch = s.Start, 0
	return p.Inner.Value(first) * float64(max(abs, 0)) / float64(p.Batches)
}

func (p Warmup) String() string {
	return fmt.Sprintf("warmup(%d, %v)", p.Batches, p.Inner)
}

func (Warmup) policy() {}

// LinearWDL interpolates the blend from Start to End across the span.
type LinearWDL struct {
	Start, End float64
}

// NewLinearWDL returns a linearly moving blend.
func NewLinearWDL(start, end float64) (LinearWDL, error) {
	if err := checkBlend("linear_wdl", start); err != nil {
		return LinearWDL{}, err
	}
	if err := checkBlend("linear_wdl", end); err != nil {
		return LinearWDL{}, err
	}
	return LinearWDL{Start: start, End: end}, nil
}

func (p LinearWDL) Value(s Step) float64 {
	return p.Start + (p.End-p.Start)*s.Progress()
}

func (p LinearWDL) String() string { return fmt.Sprintf("linear_wdl(%g -> %g)", p.Start, p.End) }
func (LinearWDL) policy()          {}

// ConstantWDL is a fixed blend.
type ConstantWDL struct {
	V float64
}

// NewConstantWDL returns a fixed blend in [0, 1].
func NewConstantWDL(v float64) (ConstantWDL, error) {
	if err := checkBlend("constant_wdl", v); err != nil {
		return ConstantWDL{}, err
	}
	return ConstantWDL{V: v}, nil
}

func (p ConstantWDL) Value(Step) float64 { return p.V }
func (p ConstantWDL) String() string     { return fmt.Sprintf("constant_wdl(%g)", p.V) }
func (ConstantWDL) policy()              {}

func checkBlend(field string, v float64) error {
	if !(v >= 0 && v <= 1) {
		return errs.Configf(field, "blend %v outside [0, 1]", v)
	}
	return nil
}

// Sequence runs First up to and including Boundary, then Second. First sees
// a span ending at Boundary; Second sees superbatches renumbered so the one
// after Boundary is its superbatch 1.
type Sequence struct {
	First, Second Policy
	Boundary      int
}

// NewSequence joins two policies at boundary.
func NewSequence(first, second Policy, boundary int) (Sequence, error) {
	if first == nil || second == nil {
		return Sequence{}, errs.Configf("sequence", "both phases are required")
	}
	if boundary < 0 {
		return Sequence{}, errs.Configf("sequence", "boundary must be non-negative, got %d", boundary)
	}
	return Sequence{First: first, Second: second, Boundary: boundary}, nil
}

func (p Sequence) Value(s Step) float64 {
	if s.Superbatch <= p.Boundary {
		s.End = p.Boundary
		return p.First.Value(s)
	}
	s.Superbatch -= p.Boundary
	s.Start = 1
	s.End = max(s.End-p.Boundary, 1)
	return p.Second.Value(s)
}

func (p Sequence) String() string {
	return fmt.Sprintf("sequence(%v until %d, then %v)", p.First, p.Boundary, p.Second)
}

func (Sequence) policy() {}
