package schedule

import (
	"github.com/hailam/nnuetrain/internal/errs"
)

// Declaration is the serialized form of a policy, tagged by Kind.
//
//	{"kind": "warmup", "warmup_batches": 200,
//	 "inner": {"kind": "cosine", "initial": 0.001, "final": 0.0000003, "final_superbatch": 800}}
type Declaration struct {
	Kind string `json:"kind"`

	Value float64 `json:"value,omitempty"` // constant, constant_wdl

	Start float64 `json:"start,omitempty"` // step, linear_wdl
	End   float64 `json:"end,omitempty"`   // linear_wdl

	Gamma    float64 `json:"gamma,omitempty"` // step
	StepSize int     `json:"step,omitempty"`  // step

	Initial         float64 `json:"initial,omitempty"`          // cosine, linear_decay
	Final           float64 `json:"final,omitempty"`            // cosine, linear_decay
	FinalSuperbatch int     `json:"final_superbatch,omitempty"` // cosine, linear_decay

	WarmupBatches int          `json:"warmup_batches,omitempty"` // warmup
	Inner         *Declaration `json:"inner,omitempty"`          // warmup

	First    *Declaration `json:"first,omitempty"`    // sequence
	Second   *Declaration `json:"second,omitempty"`   // sequence
	Boundary int          `json:"boundary,omitempty"` // sequence
}

// Build constructs and validates the declared policy.
func (d *Declaration) Build() (Policy, error) {
	if d == nil {
		return nil, errs.Configf("schedule", "missing policy declaration")
	}
	switch d.Kind {
	case "constant":
		return NewConstant(d.Value)
	case "step":
		return NewStepLR(d.Start, d.Gamma, d.StepSize)
	case "cosine":
		return NewCosineDecay(d.Initial, d.Final, d.FinalSuperbatch)
	case "linear_decay":
		return NewLinearDecay(d.Initial, d.Final, d.FinalSuperbatch)
	case "warmup":
		inner, err := d.Inner.Build()
		if err != nil {
			return nil, err
		}
		return NewWarmup(inner, d.WarmupBatches)
	case "linear_wdl":
		return NewLinearWDL(d.Start, d.End)
	case "constant_wdl":
		return NewConstantWDL(d.Value)
	case "sequence":
		first, err := d.First.Build()
		if err != nil {
			return nil, err
		}
		second, err := d.Second.Build()
		if err != nil {
			return nil, err
		}
		return NewSequence(first, second, d.Boundary)
	default:
		return nil, errs.Configf("schedule", "unknown policy kind %q", d.Kind)
	}
}
