package nnue

import (
	"github.com/hailam/nnuetrain/internal/arch"
	"github.com/hailam/nnuetrain/internal/chess"
)

// Network holds the quantized weights in the layout arch.Net.SaveFormat
// writes.
type Network struct {
	arch      *arch.Net
	evalScale int
	align     int // padding after the last block is shorter than this

	// FeatureWeights has one row of Hidden values per bucketed feature,
	// with the factorizer already folded in.
	FeatureWeights []int16
	FeatureBias    []int16
	// OutputWeights has one row of 2*Hidden per output bucket, side to
	// move first.
	OutputWeights []int16
	OutputBias    []int16
}

// NewNetwork creates a network with zero weights (must load weights).
func NewNetwork(net *arch.Net, evalScale int) *Network {
	h := net.Hidden
	return &Network{
		arch:           net,
		evalScale:      evalScale,
		align:          max(net.SaveFormat().Align, 1),
		FeatureWeights: make([]int16, net.InputBucketCount()*featureSize*h),
		FeatureBias:    make([]int16, h),
		OutputWeights:  make([]int16, net.OutputBuckets*2*h),
		OutputBias:     make([]int16, net.OutputBuckets),
	}
}

func (n *Network) row(idx int) []int16 {
	h := n.arch.Hidden
	return n.FeatureWeights[idx*h : (idx+1)*h]
}

func (n *Network) activate(x int16) int64 {
	v := int64(x)
	switch n.arch.Activation {
	case arch.SCReLU:
		c := min(max(v, 0), int64(n.arch.QA))
		return c * c
	case arch.CReLU:
		return min(max(v, 0), int64(n.arch.QA))
	default:
		return max(v, 0)
	}
}

// Forward computes the network output given an accumulator.
// Returns evaluation in centipawns from the perspective of the side to move.
func (n *Network) Forward(acc *Accumulator, sideToMove chess.Color, pieceCount int) int {
	h := n.arch.Hidden
	bucket := n.arch.Outputs.BucketOf(pieceCount)
	w := n.OutputWeights[bucket*2*h : (bucket+1)*2*h]
	us, them := acc.Side(sideToMove), acc.Side(sideToMove.Other())

	var sum int64
	for i := 0; i < h; i++ {
		sum += n.activate(us[i])*int64(w[i]) + n.activate(them[i])*int64(w[h+i])
	}
	// SCReLU squares QA into the sum; one factor comes back out here.
	if n.arch.Activation == arch.SCReLU {
		sum /= int64(n.arch.QA)
	}
	q := int64(n.arch.QA * n.arch.QB)
	return int((sum + int64(n.OutputBias[bucket])) * int64(n.evalScale) / q)
}
