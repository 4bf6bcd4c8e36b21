package nnue

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/hailam/chessplay/sfnnue"

	"github.com/hailam/nnuetrain/internal/arch"
	"github.com/hailam/nnuetrain/internal/features"
	"github.com/hailam/nnuetrain/internal/savefmt"
)

const featureSize = features.Size

// ErrLayout reports a save format this package cannot evaluate.
var ErrLayout = errors.New("save format is not the inference layout")

// Supports reports whether p writes the layout LoadWeights reads.
func Supports(net *arch.Net, p *savefmt.Pipeline) bool {
	def := net.SaveFormat()
	return p.Align == def.Align && slices.Equal(p.Entries, def.Entries)
}

// LoadWeights loads network weights from a quantised checkpoint file.
// File format (little-endian int16):
//   - FeatureWeights: inputBuckets * 768 * hidden
//   - FeatureBias: hidden
//   - OutputWeights: outputBuckets * 2 * hidden
//   - OutputBias: outputBuckets
//   - zero padding
func (n *Network) LoadWeights(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open weights file: %w", err)
	}
	defer f.Close()
	return n.LoadWeightsFromReader(f)
}

// LoadWeightsFromReader loads network weights from an io.Reader.
func (n *Network) LoadWeightsFromReader(r io.Reader) error {
	blocks := []struct {
		name string
		data []int16
	}{
		{"feature weights", n.FeatureWeights},
		{"feature bias", n.FeatureBias},
		{"output weights", n.OutputWeights},
		{"output bias", n.OutputBias},
	}
	for _, b := range blocks {
		if err := sfnnue.ReadLittleEndianSlice(r, b.data); err != nil {
			return fmt.Errorf("failed to read %s: %w", b.name, err)
		}
	}

	rest, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read padding: %w", err)
	}
	if len(rest) >= n.align || slices.ContainsFunc(rest, func(b byte) bool { return b != 0 }) {
		return fmt.Errorf("%w: %d trailing bytes", ErrLayout, len(rest))
	}
	return nil
}

// Load reads a quantised checkpoint for net. p is the pipeline it was
// written with and must be the default inference layout.
func Load(net *arch.Net, p *savefmt.Pipeline, evalScale int, r io.Reader) (*Evaluator, error) {
	if !Supports(net, p) {
		return nil, ErrLayout
	}
	n := NewNetwork(net, evalScale)
	if err := n.LoadWeightsFromReader(r); err != nil {
		return nil, err
	}
	return NewEvaluator(n), nil
}
