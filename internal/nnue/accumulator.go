package nnue

import (
	"github.com/hailam/nnuetrain/internal/chess"
	"github.com/hailam/nnuetrain/internal/features"
)

// Accumulator stores the feature transformer output of both perspectives.
// Values wrap like the engine's int16 lanes.
type Accumulator struct {
	White []int16
	Black []int16

	// Buckets are the king buckets the values were computed in.
	Buckets [2]int
}

// NewAccumulator allocates an accumulator of the given hidden size.
func NewAccumulator(hidden int) *Accumulator {
	return &Accumulator{
		White: make([]int16, hidden),
		Black: make([]int16, hidden),
	}
}

// Side returns the values of one perspective.
func (acc *Accumulator) Side(c chess.Color) []int16 {
	if c == chess.White {
		return acc.White
	}
	return acc.Black
}

// ComputeFull computes the accumulator from scratch for a position.
func (acc *Accumulator) ComputeFull(pos *chess.Position, net *Network) {
	for _, side := range []chess.Color{chess.White, chess.Black} {
		act := features.Perspective(pos, net.arch.Kings, side)
		vals := acc.Side(side)
		copy(vals, net.FeatureBias)
		for i := range act.Features {
			row := net.row(act.Index(i))
			for j := range vals {
				vals[j] += row[j]
			}
		}
		acc.Buckets[side] = act.Bucket
	}
}
