package optim

import "math"

const adamEps = 1e-8

// AdamW holds the moment estimates of one weight tensor.
//
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g^2
//	w -= lr * (m_hat/(sqrt(v_hat)+eps) + decay*w)
//	w = clamp(w, min_weight, max_weight)
type AdamW struct {
	m, v []float32
	t    int
}

// NewAdamW allocates state for n parameters.
func NewAdamW(n int) *AdamW {
	return &AdamW{m: make([]float32, n), v: make([]float32, n)}
}

// Steps returns the number of updates applied.
func (a *AdamW) Steps() int { return a.t }

// Update applies one optimizer step to w in place.
func (a *AdamW) Update(w, grad []float32, lr float64, p Params) {
	a.t++
	b1, b2 := p.Beta1, p.Beta2
	corr1 := 1 - math.Pow(b1, float64(a.t))
	corr2 := 1 - math.Pow(b2, float64(a.t))
	lo, hi := float32(p.MinWeight), float32(p.MaxWeight)

	for i, g := range grad {
		m := float32(b1)*a.m[i] + float32(1-b1)*g
		v := float32(b2)*a.v[i] + float32(1-b2)*g*g
		a.m[i], a.v[i] = m, v

		mhat := float64(m) / corr1
		vhat := float64(v) / corr2
		x := float64(w[i])
		x -= lr * (mhat/(math.Sqrt(vhat)+adamEps) + p.Decay*x)
		w[i] = min(max(float32(x), lo), hi)
	}
}
