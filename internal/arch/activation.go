package arch

import (
	"encoding/json"
	"fmt"
)

// Activation is the feature transformer's output nonlinearity.
type Activation int

const (
	SCReLU Activation = iota // squared clipped ReLU
	CReLU                    // clipped ReLU, [0, 1]
	ReLU
)

var activationNames = map[Activation]string{SCReLU: "screlu", CReLU: "crelu", ReLU: "relu"}

func (a Activation) String() string {
	if s, ok := activationNames[a]; ok {
		return s
	}
	return fmt.Sprintf("Activation(%d)", int(a))
}

// Apply returns the activation of x.
func (a Activation) Apply(x float32) float32 {
	switch a {
	case SCReLU:
		c := clamp01(x)
		return c * c
	case CReLU:
		return clamp01(x)
	default:
		return max(x, 0)
	}
}

// Derivative returns d Apply / dx at x.
func (a Activation) Derivative(x float32) float32 {
	switch a {
	case SCReLU:
		if x <= 0 || x >= 1 {
			return 0
		}
		return 2 * x
	case CReLU:
		if x <= 0 || x >= 1 {
			return 0
		}
		return 1
	default:
		if x <= 0 {
			return 0
		}
		return 1
	}
}

func clamp01(x float32) float32 {
	return min(max(x, 0), 1)
}

func (a Activation) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Activation) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for k, v := range activationNames {
		if v == s {
			*a = k
			return nil
		}
	}
	return fmt.Errorf("unknown activation %q", s)
}
