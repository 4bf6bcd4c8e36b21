package nnue

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/hailam/nnuetrain/internal/arch"
	"github.com/hailam/nnuetrain/internal/chess"
	"github.com/hailam/nnuetrain/internal/refengine"
)

func compile(t *testing.T, a arch.Arch) *arch.Net {
	t.Helper()
	net, err := a.Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return net
}

func TestForward(t *testing.T) {
	// One bucket, unit scales and ReLU so the output is the raw integer sum.
	net := compile(t, arch.Arch{
		InputBuckets:  make([]int, 32),
		Mirrored:      true,
		Hidden:        2,
		Activation:    arch.ReLU,
		OutputBuckets: 1,
		QA:            1,
		QB:            1,
	})
	n := NewNetwork(net, 1)
	n.FeatureBias[0] = 100
	// Every opponent piece adds one to hidden unit 0.
	for f := 384; f < 768; f++ {
		n.row(f)[0] = 1
	}
	n.OutputWeights[0] = 1  // side to move, unit 0
	n.OutputWeights[2] = -1 // opponent, unit 0
	n.OutputBias[0] = 7

	eval := NewEvaluator(n)
	tests := []struct {
		fen  string
		want int
	}{
		// White sees 1 enemy piece, Black sees 4: 101 - 104 + 7.
		{"4k3/8/8/8/8/8/8/QQQ1K3 w - - 0 1", 4},
		{"4k3/8/8/8/8/8/8/QQQ1K3 b - - 0 1", 10},
	}
	for _, tt := range tests {
		got, err := eval.EvaluateFEN(tt.fen)
		if err != nil {
			t.Fatalf("EvaluateFEN(%q) failed: %v", tt.fen, err)
		}
		if got != tt.want {
			t.Errorf("EvaluateFEN(%q) = %d, want %d", tt.fen, got, tt.want)
		}
	}
}

func TestActivation(t *testing.T) {
	a := arch.Default()
	a.Hidden = 1
	n := NewNetwork(compile(t, a), 400)

	tests := []struct {
		act  arch.Activation
		x    int16
		want int64
	}{
		{arch.SCReLU, 300, 255 * 255},
		{arch.SCReLU, 10, 100},
		{arch.SCReLU, -5, 0},
		{arch.CReLU, 300, 255},
		{arch.ReLU, 300, 300},
		{arch.ReLU, -1, 0},
	}
	for _, tt := range tests {
		n.arch.Activation = tt.act
		if got := n.activate(tt.x); got != tt.want {
			t.Errorf("%v(%d) = %d, want %d", tt.act, tt.x, got, tt.want)
		}
	}
}

func TestQuantizedMatchesFloat(t *testing.T) {
	a := arch.Default()
	a.Hidden = 8
	net := compile(t, a)
	weights := net.NewWeights(7)
	for i := range weights.Get(arch.FeatureBias).Data {
		weights.Get(arch.FeatureBias).Data[i] = 0.4
	}
	// A non-zero factorizer makes the fold matter.
	for i := range weights.Get(arch.Factorizer).Data {
		weights.Get(arch.Factorizer).Data[i] = 0.01
	}

	const evalScale = 400
	eng, err := refengine.New(net, weights, refengine.Options{Threads: 1, EvalScale: evalScale})
	if err != nil {
		t.Fatal(err)
	}

	format := net.SaveFormat()
	var buf bytes.Buffer
	if _, err := format.Encode(weights, &buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	q, err := Load(net, format, evalScale, &buf)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	fens := []string{
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
		"r1bqkbnr/pppp1ppp/2n5/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R w KQkq - 2 3",
		"8/5k2/8/3K4/8/8/2Q5/8 b - - 0 1",
	}
	for _, fen := range fens {
		want, err := eng.Eval(fen)
		if err != nil {
			t.Fatal(err)
		}
		got, err := q.EvaluateFEN(fen)
		if err != nil {
			t.Fatal(err)
		}
		if diff := math.Abs(float64(got) - want*evalScale); diff > 10 {
			t.Errorf("%s: quantized %d, float %.2f", fen, got, want*evalScale)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	a := arch.Default()
	a.Hidden = 4
	net := compile(t, a)
	format := net.SaveFormat()
	var buf bytes.Buffer
	if _, err := format.Encode(net.NewWeights(1), &buf); err != nil {
		t.Fatal(err)
	}
	valid := buf.Bytes()

	t.Run("OtherLayout", func(t *testing.T) {
		other := net.SaveFormat()
		other.Entries[2].Transpose = false
		if _, err := Load(net, other, 400, bytes.NewReader(valid)); !errors.Is(err, ErrLayout) {
			t.Errorf("Expected ErrLayout, got %v", err)
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		if _, err := Load(net, format, 400, bytes.NewReader(valid[:len(valid)/2])); err == nil {
			t.Errorf("Expected error on truncated file")
		}
	})

	t.Run("TrailingData", func(t *testing.T) {
		long := append(append([]byte(nil), valid...), make([]byte, 64)...)
		if _, err := Load(net, format, 400, bytes.NewReader(long)); !errors.Is(err, ErrLayout) {
			t.Errorf("Expected ErrLayout on trailing data, got %v", err)
		}
	})
}

func TestLoadWeightsFile(t *testing.T) {
	a := arch.Default()
	a.Hidden = 4
	net := compile(t, a)
	var buf bytes.Buffer
	if _, err := net.SaveFormat().Encode(net.NewWeights(5), &buf); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "quantised.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	fromFile := NewNetwork(net, 400)
	if err := fromFile.LoadWeights(path); err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}
	fromReader, err := Load(net, net.SaveFormat(), 400, bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	const fen = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	want, _ := fromReader.EvaluateFEN(fen)
	got, err := NewEvaluator(fromFile).EvaluateFEN(fen)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("Expected %d, got %d", want, got)
	}

	if err := NewNetwork(net, 400).LoadWeights(filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Error("Expected error for a missing file")
	}
}

func TestAccumulatorBuckets(t *testing.T) {
	net := compile(t, arch.Default())
	n := NewNetwork(net, 400)
	acc := NewAccumulator(net.Hidden)
	pos, err := chess.ParseFEN("8/8/8/8/8/8/8/K6k w - - 0 1")
	if err != nil {
		t.Fatal(err)
	}
	acc.ComputeFull(pos, n)
	// a1 is slot 0 for White; h1 mirrors onto a8 from Black's side, slot 28.
	if acc.Buckets[chess.White] != 0 || acc.Buckets[chess.Black] != 14 {
		t.Errorf("Unexpected buckets %v", acc.Buckets)
	}
}
