// Package arch declares the network architecture: king-bucketed Chess768
// inputs feeding a perspective feature transformer, an activation, and a
// material-bucketed output layer. It names the trained weight tensors and
// knows how they are quantized for inference.
package arch

import (
	"math"
	"math/rand/v2"

	"github.com/hailam/nnuetrain/internal/buckets"
	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/features"
	"github.com/hailam/nnuetrain/internal/optim"
	"github.com/hailam/nnuetrain/internal/savefmt"
	"github.com/hailam/nnuetrain/internal/tensor"
)

// Weight tensor ids.
const (
	FeatureWeights = "l0w" // (inputBuckets*768, hidden)
	Factorizer     = "l0f" // (768, hidden), shared by every input bucket
	FeatureBias    = "l0b" // (hidden)
	OutputWeights  = "l1w" // (2*hidden, outputBuckets)
	OutputBias     = "l1b" // (outputBuckets)
)

// Arch is the serialized architecture declaration.
type Arch struct {
	// InputBuckets maps king squares to buckets: 32 half-board slots when
	// Mirrored, otherwise 64 squares, both seen from the king's side.
	InputBuckets []int `json:"input_buckets"`
	Mirrored     bool  `json:"mirrored"`
	// Factorized trains an extra block shared by all input buckets.
	Factorized bool `json:"factorized"`

	Hidden        int        `json:"hidden"`
	Activation    Activation `json:"activation"`
	OutputBuckets int        `json:"output_buckets"`

	// QA and QB are the feature transformer and output quantization scales.
	QA int `json:"qa"`
	QB int `json:"qb"`
}

// Default returns the 16-king-bucket, 8-output-bucket SCReLU network.
func Default() Arch {
	return Arch{
		InputBuckets: []int{
			0, 1, 2, 3,
			4, 5, 6, 7,
			8, 8, 9, 9,
			10, 10, 11, 11,
			12, 12, 13, 13,
			12, 12, 13, 13,
			14, 14, 15, 15,
			14, 14, 15, 15,
		},
		Mirrored:      true,
		Factorized:    true,
		Hidden:        1408,
		Activation:    SCReLU,
		OutputBuckets: 8,
		QA:            255,
		QB:            64,
	}
}

// Net is a validated architecture.
type Net struct {
	Arch

	Kings   buckets.KingBuckets
	Outputs *buckets.Material
}

// Compile validates the declaration.
func (a Arch) Compile() (*Net, error) {
	if a.Hidden <= 0 {
		return nil, errs.Configf("arch.hidden", "hidden size %d must be positive", a.Hidden)
	}
	if a.QA <= 0 || a.QB <= 0 {
		return nil, errs.Configf("arch", "quantization scales qa=%d qb=%d must be positive", a.QA, a.QB)
	}
	if _, ok := activationNames[a.Activation]; !ok {
		return nil, errs.Configf("arch.activation", "unknown activation %v", a.Activation)
	}

	var kings buckets.KingBuckets
	var err error
	if a.Mirrored {
		kings, err = buckets.NewMirrored(a.InputBuckets)
	} else {
		kings, err = buckets.NewFull(a.InputBuckets)
	}
	if err != nil {
		return nil, err
	}
	outputs, err := buckets.NewMaterial(a.OutputBuckets)
	if err != nil {
		return nil, err
	}
	return &Net{Arch: a, Kings: kings, Outputs: outputs}, nil
}

// InputBucketCount returns the number of king buckets.
func (n *Net) InputBucketCount() int { return n.Kings.NumBuckets() }

// NewWeights allocates the trained tensors. Feature and output weights are
// drawn uniformly from +-1/sqrt(fan-in); the factorizer and biases start at
// zero.
func (n *Net) NewWeights(seed uint64) *tensor.Set {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	uniform := func(t *tensor.Tensor, fanIn int) *tensor.Tensor {
		bound := 1 / math.Sqrt(float64(fanIn))
		for i := range t.Data {
			t.Data[i] = float32((2*rng.Float64() - 1) * bound)
		}
		return t
	}

	ts := []*tensor.Tensor{
		uniform(tensor.New(FeatureWeights, n.InputBucketCount()*features.Size, n.Hidden), features.Size),
	}
	if n.Factorized {
		ts = append(ts, tensor.New(Factorizer, features.Size, n.Hidden))
	}
	ts = append(ts,
		tensor.New(FeatureBias, n.Hidden),
		uniform(tensor.New(OutputWeights, 2*n.Hidden, n.OutputBuckets), 2*n.Hidden),
		tensor.New(OutputBias, n.OutputBuckets),
	)
	s, err := tensor.NewSet(ts...)
	if err != nil {
		panic(err) // ids are distinct constants
	}
	return s
}

// SaveFormat returns the inference layout: int16 feature weights with the
// factorizer folded in, scaled by QA; output weights transposed to one row
// per output bucket, scaled by QB; output bias at QA*QB. The artifact is
// padded to 64 bytes.
func (n *Net) SaveFormat() *savefmt.Pipeline {
	l0w := savefmt.Entry{ID: FeatureWeights, Scale: float64(n.QA), Type: savefmt.Int16}
	if n.Factorized {
		l0w.Factorizer = Factorizer
		l0w.Buckets = n.InputBucketCount()
	}
	return &savefmt.Pipeline{
		Entries: []savefmt.Entry{
			l0w,
			{ID: FeatureBias, Scale: float64(n.QA), Type: savefmt.Int16},
			{ID: OutputWeights, Scale: float64(n.QB), Type: savefmt.Int16, Transpose: true},
			{ID: OutputBias, Scale: float64(n.QA * n.QB), Type: savefmt.Int16},
		},
		Align: 64,
	}
}

// DefaultOverrides clips the feature transformer so its quantized values
// stay well inside int16 after folding.
func (n *Net) DefaultOverrides() *optim.Table {
	t := optim.NewTable()
	t.Set(FeatureWeights, optim.Clip(-0.99, 0.99))
	if n.Factorized {
		t.Set(Factorizer, optim.Clip(-0.99, 0.99))
	}
	return t
}
