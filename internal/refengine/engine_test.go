package refengine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"math"
	"testing"

	"github.com/hailam/nnuetrain/internal/arch"
	"github.com/hailam/nnuetrain/internal/chess"
	"github.com/hailam/nnuetrain/internal/data"
	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/optim"
	"github.com/hailam/nnuetrain/internal/tensor"
)

var quiet = log.New(io.Discard, "", 0)

func tinyNet(t *testing.T) *arch.Net {
	t.Helper()
	a := arch.Default()
	a.Hidden = 3
	a.OutputBuckets = 2
	n, err := a.Compile()
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func newEngine(t *testing.T, threads int) *Engine {
	t.Helper()
	n := tinyNet(t)
	w := n.NewWeights(42)
	// Keep accumulators inside (0, 1) so SCReLU is differentiable everywhere.
	for i := range w.Get(arch.FeatureBias).Data {
		w.Get(arch.FeatureBias).Data[i] = 0.4
	}
	e, err := New(n, w, Options{Threads: threads, EvalScale: 400, Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func sample(t *testing.T, fen string, score int16, result float32) data.Sample {
	t.Helper()
	pos, err := chess.ParseFEN(fen)
	if err != nil {
		t.Fatal(err)
	}
	return data.Sample{Pos: pos, Score: score, Result: result}
}

func testBatch(t *testing.T) data.Batch {
	return data.Batch{Samples: []data.Sample{
		sample(t, "8/8/4k3/8/8/3K4/8/8 w - - 0 1", 0, 0.5),
		sample(t, "8/8/4k3/8/8/3KQ3/8/8 w - - 0 1", 800, 1),
		sample(t, "8/5r2/4k3/8/8/3K4/8/8 b - - 0 1", 400, 1),
		sample(t, "8/3p4/4k3/8/8/3K4/4P3/8 w - - 0 1", -30, 0.5),
		sample(t, "8/8/4k3/8/2N5/3K4/8/8 b - - 0 1", -200, 0),
	}}
}

func TestEvalStartPositionIsSymmetric(t *testing.T) {
	e := newEngine(t, 1)
	white, err := e.Eval(chess.StartFEN)
	if err != nil {
		t.Fatal(err)
	}
	black, err := e.Eval("rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR b KQkq - 0 1")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(white-black) > 1e-6 {
		t.Errorf("Eval(start, w) = %v, Eval(start, b) = %v", white, black)
	}
	if _, err := e.Eval("not a fen"); err == nil {
		t.Error("Eval accepted an invalid FEN")
	}
}

func TestEvalMirrorsColours(t *testing.T) {
	e := newEngine(t, 1)
	a, _ := e.Eval("8/8/4k3/8/8/3KQ3/8/8 w - - 0 1")
	b, _ := e.Eval("8/8/3kq3/8/8/4K3/8/8 b - - 0 1")
	if math.Abs(a-b) > 1e-6 {
		t.Errorf("colour-flipped positions evaluate to %v and %v", a, b)
	}
}

// meanLoss evaluates the batch loss without touching gradients.
func meanLoss(e *Engine, batch data.Batch, wdl float64) float64 {
	st := e.newScratch()
	sum := 0.0
	for _, s := range batch.Samples {
		d := sigmoid(float64(e.forward(s.Pos, st))) - e.target(s, wdl)
		sum += d * d
	}
	return sum / float64(batch.Len())
}

func TestGradientMatchesFiniteDifference(t *testing.T) {
	e := newEngine(t, 2)
	batch := testBatch(t)
	const wdl = 0.3

	if _, err := e.backward(batch, wdl); err != nil {
		t.Fatal(err)
	}

	// The white king on d3 sits in bucket 9; its own-king feature is
	// row 9*768 + 5*64 + 19 of l0w.
	probes := []struct {
		id  string
		idx int
	}{
		{arch.OutputBias, 0},
		{arch.OutputWeights, 1},
		{arch.OutputWeights, 4},
		{arch.FeatureBias, 2},
		{arch.FeatureWeights, (9*768+5*64+19)*3 + 1},
		{arch.Factorizer, (5*64+19)*3 + 1},
	}
	const h = 1e-2
	for _, p := range probes {
		w := e.weights.Get(p.id).Data
		orig := w[p.idx]
		w[p.idx] = orig + h
		up := meanLoss(e, batch, wdl)
		w[p.idx] = orig - h
		down := meanLoss(e, batch, wdl)
		w[p.idx] = orig

		numeric := (up - down) / (2 * h)
		analytic := float64(e.grads.Get(p.id).Data[p.idx])
		if math.Abs(numeric-analytic) > 1e-4+0.05*math.Abs(numeric) {
			t.Errorf("%s[%d]: analytic %v, numeric %v", p.id, p.idx, analytic, numeric)
		}
	}
	if e.grads.Get(arch.FeatureWeights).Data[(9*768+5*64+19)*3+1] == 0 {
		t.Error("active feature row received no gradient")
	}
}

func TestStepReducesLoss(t *testing.T) {
	e := newEngine(t, 2)
	batch := testBatch(t)
	ctx := context.Background()
	first, err := e.Step(ctx, batch, 0.01, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	last := first
	for i := 0; i < 200; i++ {
		if last, err = e.Step(ctx, batch, 0.01, 0.5); err != nil {
			t.Fatal(err)
		}
	}
	if last >= first {
		t.Errorf("loss went from %v to %v", first, last)
	}
	if e.Steps() != 201 {
		t.Errorf("Steps = %d, want 201", e.Steps())
	}
}

func TestThreadCountDoesNotChangeGradient(t *testing.T) {
	batch := testBatch(t)
	one, many := newEngine(t, 1), newEngine(t, 4)
	l1, _ := one.backward(batch, 0.2)
	l4, _ := many.backward(batch, 0.2)
	if math.Abs(l1-l4) > 1e-9 {
		t.Errorf("loss with 1 thread %v, with 4 threads %v", l1, l4)
	}
	for _, id := range one.grads.IDs() {
		a, b := one.grads.Get(id).Data, many.grads.Get(id).Data
		for i := range a {
			if math.Abs(float64(a[i]-b[i])) > 1e-6 {
				t.Fatalf("%s[%d]: %v vs %v", id, i, a[i], b[i])
			}
		}
	}
}

func TestStepDiverges(t *testing.T) {
	e := newEngine(t, 1)
	e.weights.Get(arch.OutputBias).Data[0] = float32(math.NaN())
	e.weights.Get(arch.OutputBias).Data[1] = float32(math.NaN())
	_, err := e.Step(context.Background(), testBatch(t), 0.01, 0.5)
	if !errors.Is(err, ErrDiverged) {
		t.Errorf("got %v, want ErrDiverged", err)
	}
}

func TestStepErrors(t *testing.T) {
	e := newEngine(t, 1)
	if _, err := e.Step(context.Background(), data.Batch{}, 0.01, 0.5); err == nil {
		t.Error("empty batch should fail")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Step(ctx, testBatch(t), 0.01, 0.5); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled step: got %v", err)
	}
	if e.Steps() != 0 {
		t.Errorf("failed steps were counted: %d", e.Steps())
	}
}

func TestConfigureOptimizer(t *testing.T) {
	e := newEngine(t, 1)
	table := optim.NewTable()
	table.Set(arch.OutputWeights, optim.Clip(-0.01, 0.01))
	if err := e.ConfigureOptimizer(optim.Resolver{Table: table, Defaults: optim.DefaultParams()}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Step(context.Background(), testBatch(t), 0.001, 0.5); err != nil {
		t.Fatal(err)
	}
	for _, v := range e.Snapshot().Get(arch.OutputWeights).Data {
		if v < -0.01 || v > 0.01 {
			t.Fatalf("output weight %v escaped clip bounds", v)
		}
	}

	table.Set("l7w", optim.Clip(-1, 1))
	var ce *errs.ConfigError
	if err := e.ConfigureOptimizer(optim.Resolver{Table: table, Defaults: optim.DefaultParams()}); !errors.As(err, &ce) {
		t.Errorf("unknown override id: got %v, want *errs.ConfigError", err)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	e := newEngine(t, 1)
	snap := e.Snapshot()
	before := snap.Get(arch.OutputBias).Data[0]
	if _, err := e.Step(context.Background(), testBatch(t), 0.1, 0.5); err != nil {
		t.Fatal(err)
	}
	if snap.Get(arch.OutputBias).Data[0] != before {
		t.Error("snapshot changed after a step")
	}
	if e.Snapshot().Get(arch.OutputBias).Data[0] == before {
		t.Error("step did not move the output bias")
	}
}

func TestLoadRaw(t *testing.T) {
	src := newEngine(t, 1)
	if _, err := src.Step(context.Background(), testBatch(t), 0.05, 0.5); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := tensor.WriteRaw(&buf, src.Snapshot()); err != nil {
		t.Fatal(err)
	}

	dst := newEngine(t, 1)
	if err := dst.LoadRaw(&buf); err != nil {
		t.Fatal(err)
	}
	a, _ := src.Eval(chess.StartFEN)
	b, _ := dst.Eval(chess.StartFEN)
	if a != b {
		t.Errorf("loaded engine evaluates %v, source %v", b, a)
	}
	if err := dst.LoadRaw(bytes.NewReader([]byte{1, 2, 3})); err == nil {
		t.Error("truncated dump should fail")
	}
}

func TestNewRejectsBadWeights(t *testing.T) {
	n := tinyNet(t)
	w := n.NewWeights(1)
	opts := Options{Threads: 1, EvalScale: 400}

	bad, _ := tensor.NewSet(w.Get(arch.FeatureWeights), w.Get(arch.FeatureBias))
	if _, err := New(n, bad, opts); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("missing tensors: got %v", err)
	}

	wrong, _ := tensor.NewSet(
		w.Get(arch.FeatureWeights), w.Get(arch.Factorizer), w.Get(arch.FeatureBias),
		tensor.New(arch.OutputWeights, 3, 2), w.Get(arch.OutputBias))
	if _, err := New(n, wrong, opts); !errors.Is(err, errs.ErrShape) {
		t.Errorf("wrong shape: got %v", err)
	}

	if _, err := New(n, w, Options{EvalScale: 400}); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("zero threads: got %v", err)
	}
}
