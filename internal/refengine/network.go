package refengine

import (
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/hailam/nnuetrain/internal/arch"
	"github.com/hailam/nnuetrain/internal/chess"
	"github.com/hailam/nnuetrain/internal/data"
	"github.com/hailam/nnuetrain/internal/factorizer"
	"github.com/hailam/nnuetrain/internal/features"
	"github.com/hailam/nnuetrain/internal/tensor"
)

// scratch is per-goroutine forward state.
type scratch struct {
	stm, ntm   features.Active
	accS, accN []float32 // pre-activation accumulators
	dS, dN     []float32
	row        []float32
	bucket     int
}

func (e *Engine) newScratch() *scratch {
	h := e.net.Hidden
	return &scratch{
		accS: make([]float32, h),
		accN: make([]float32, h),
		dS:   make([]float32, h),
		dN:   make([]float32, h),
		row:  make([]float32, h),
	}
}

func vec(x []float32) blas32.Vector {
	return blas32.Vector{N: len(x), Data: x, Inc: 1}
}

func axpy(alpha float32, x, y []float32) {
	blas32.Axpy(alpha, vec(x), vec(y))
}

// accumulate sums the feature transformer rows of one perspective.
func (e *Engine) accumulate(a features.Active, acc []float32, row []float32) {
	l0w := e.weights.Get(arch.FeatureWeights)
	copy(acc, e.weights.Get(arch.FeatureBias).Data)
	if !e.net.Factorized {
		for i := range a.Features {
			axpy(1, l0w.Row(a.Index(i)), acc)
		}
		return
	}
	l0f := e.weights.Get(arch.Factorizer)
	for _, f := range a.Features {
		factorizer.Effective(l0f, l0w, a.Bucket, f, row)
		axpy(1, row, acc)
	}
}

// forward returns the network output and leaves the activations in st.
func (e *Engine) forward(pos *chess.Position, st *scratch) float32 {
	st.stm, st.ntm = features.Extract(pos, e.net.Kings)
	e.accumulate(st.stm, st.accS, st.row)
	e.accumulate(st.ntm, st.accN, st.row)
	st.bucket = e.net.Outputs.BucketOf(pos.PieceCount())

	h, ob := e.net.Hidden, e.net.OutputBuckets
	l1w := e.weights.Get(arch.OutputWeights).Data
	out := e.weights.Get(arch.OutputBias).Data[st.bucket]
	act := e.net.Activation
	for j := 0; j < h; j++ {
		out += act.Apply(st.accS[j])*l1w[j*ob+st.bucket] + act.Apply(st.accN[j])*l1w[(h+j)*ob+st.bucket]
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// target blends the game result with the sigmoid of the engine score.
func (e *Engine) target(s data.Sample, wdl float64) float64 {
	return wdl*float64(s.Result) + (1-wdl)*sigmoid(float64(s.Score)/e.opts.EvalScale)
}

// accumulateSample runs forward and backward for one sample, adding
// scale*gradient to wg.
func (e *Engine) accumulateSample(s data.Sample, wdl float64, scale float32, st *scratch, wg *workerGrads) {
	out := e.forward(s.Pos, st)
	pred := sigmoid(float64(out))
	diff := pred - e.target(s, wdl)
	wg.loss += diff * diff

	g := scale * float32(2*diff*pred*(1-pred))
	h, ob, b := e.net.Hidden, e.net.OutputBuckets, st.bucket
	l1w := e.weights.Get(arch.OutputWeights).Data
	act := e.net.Activation

	wg.l1b[b] += g
	for j := 0; j < h; j++ {
		ws, wn := l1w[j*ob+b], l1w[(h+j)*ob+b]
		wg.l1w[j*ob+b] += g * act.Apply(st.accS[j])
		wg.l1w[(h+j)*ob+b] += g * act.Apply(st.accN[j])
		st.dS[j] = g * ws * act.Derivative(st.accS[j])
		st.dN[j] = g * wn * act.Derivative(st.accN[j])
	}
	axpy(1, st.dS, wg.l0b)
	axpy(1, st.dN, wg.l0b)
	wg.addFeatures(st.stm, st.dS, h, e.net.Factorized)
	wg.addFeatures(st.ntm, st.dN, h, e.net.Factorized)
}

// workerGrads holds one goroutine's gradient. Feature transformer rows are
// sparse: only rows of active features are allocated.
type workerGrads struct {
	l0w, l0f      map[int][]float32
	l0b, l1w, l1b []float32
	loss          float64
}

func (e *Engine) newWorkerGrads() *workerGrads {
	return &workerGrads{
		l0w: make(map[int][]float32),
		l0f: make(map[int][]float32),
		l0b: make([]float32, e.net.Hidden),
		l1w: make([]float32, 2*e.net.Hidden*e.net.OutputBuckets),
		l1b: make([]float32, e.net.OutputBuckets),
	}
}

func sparseRow(rows map[int][]float32, idx, n int) []float32 {
	r, ok := rows[idx]
	if !ok {
		r = make([]float32, n)
		rows[idx] = r
	}
	return r
}

func (wg *workerGrads) addFeatures(a features.Active, d []float32, h int, factorized bool) {
	for i, f := range a.Features {
		axpy(1, d, sparseRow(wg.l0w, a.Index(i), h))
		if factorized {
			axpy(1, d, sparseRow(wg.l0f, f, h))
		}
	}
}

func (wg *workerGrads) mergeInto(grads *tensor.Set, factorized bool) {
	l0w := grads.Get(arch.FeatureWeights)
	for idx, r := range wg.l0w {
		axpy(1, r, l0w.Row(idx))
	}
	if factorized {
		l0f := grads.Get(arch.Factorizer)
		for idx, r := range wg.l0f {
			axpy(1, r, l0f.Row(idx))
		}
	}
	axpy(1, wg.l0b, grads.Get(arch.FeatureBias).Data)
	axpy(1, wg.l1w, grads.Get(arch.OutputWeights).Data)
	axpy(1, wg.l1b, grads.Get(arch.OutputBias).Data)
}
