// Package nnue evaluates a quantized checkpoint with the integer arithmetic
// an engine uses, so a saved network can be checked against the float
// network it was exported from.
package nnue

import (
	"github.com/hailam/nnuetrain/internal/arch"
	"github.com/hailam/nnuetrain/internal/chess"
)

// Evaluator is the quantized evaluator of one network.
type Evaluator struct {
	net *Network
	acc *Accumulator
}

// NewEvaluator wraps a loaded network.
func NewEvaluator(net *Network) *Evaluator {
	return &Evaluator{net: net, acc: NewAccumulator(net.arch.Hidden)}
}

// Evaluate returns the evaluation in centipawns from the side to move's
// perspective.
func (e *Evaluator) Evaluate(pos *chess.Position) int {
	e.acc.ComputeFull(pos, e.net)
	return e.net.Forward(e.acc, pos.SideToMove, pos.PieceCount())
}

// EvaluateFEN parses fen and evaluates it.
func (e *Evaluator) EvaluateFEN(fen string) (int, error) {
	pos, err := chess.ParseFEN(fen)
	if err != nil {
		return 0, err
	}
	return e.Evaluate(pos), nil
}

// Net returns the architecture the evaluator was loaded for.
func (e *Evaluator) Net() *arch.Net { return e.net.arch }
