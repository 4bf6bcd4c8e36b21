// Package refengine is a small CPU training engine for the architecture in
// package arch. It computes the forward pass and exact gradients of the
// sigmoid-MSE loss by hand and updates every tensor with AdamW.
package refengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hailam/nnuetrain/internal/arch"
	"github.com/hailam/nnuetrain/internal/chess"
	"github.com/hailam/nnuetrain/internal/data"
	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/features"
	"github.com/hailam/nnuetrain/internal/optim"
	"github.com/hailam/nnuetrain/internal/tensor"
)

// ErrDiverged is returned by Step when the loss stops being finite.
var ErrDiverged = errors.New("training diverged")

// Options configures an Engine.
type Options struct {
	Threads   int     // worker goroutines per batch, at least 1
	EvalScale float64 // maps centipawn scores into sigmoid space
	Logger    *log.Logger
}

// Engine owns the running weights. Step, Snapshot and Eval may be called
// from different goroutines; Snapshot never observes a partial update.
type Engine struct {
	net  *arch.Net
	opts Options

	mu      sync.RWMutex
	weights *tensor.Set
	grads   *tensor.Set
	adam    map[string]*optim.AdamW
	params  map[string]optim.Params
	steps   int
}

// New wraps weights, which must hold every tensor net declares.
func New(net *arch.Net, weights *tensor.Set, opts Options) (*Engine, error) {
	if opts.Threads <= 0 {
		return nil, errs.Configf("threads", "%d must be positive", opts.Threads)
	}
	if opts.EvalScale <= 0 {
		return nil, errs.Configf("eval_scale", "%v must be positive", opts.EvalScale)
	}
	if err := checkWeights(net, weights); err != nil {
		return nil, err
	}

	e := &Engine{
		net:     net,
		opts:    opts,
		weights: weights,
		adam:    make(map[string]*optim.AdamW),
		params:  make(map[string]optim.Params),
	}
	var gs []*tensor.Tensor
	for _, id := range weights.IDs() {
		w := weights.Get(id)
		gs = append(gs, tensor.New(id, w.Shape...))
		e.adam[id] = optim.NewAdamW(w.Len())
		e.params[id] = optim.DefaultParams()
	}
	e.grads, _ = tensor.NewSet(gs...)
	return e, nil
}

func checkWeights(net *arch.Net, w *tensor.Set) error {
	want := map[string][]int{
		arch.FeatureWeights: {net.InputBucketCount() * features.Size, net.Hidden},
		arch.FeatureBias:    {net.Hidden},
		arch.OutputWeights:  {2 * net.Hidden, net.OutputBuckets},
		arch.OutputBias:     {net.OutputBuckets},
	}
	if net.Factorized {
		want[arch.Factorizer] = []int{features.Size, net.Hidden}
	}
	for id, shape := range want {
		t, err := w.Lookup("engine weights", id)
		if err != nil {
			return err
		}
		if !slices.Equal(t.Shape, shape) {
			return &errs.ShapeError{Op: "load " + id, Want: shape, Got: t.Shape}
		}
	}
	if w.Len() != len(want) {
		return errs.Configf("engine weights", "got %d tensors, want %d", w.Len(), len(want))
	}
	return nil
}

func (e *Engine) logf(format string, args ...any) {
	if e.opts.Logger != nil {
		e.opts.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// HasWeight reports whether id names a trained tensor.
func (e *Engine) HasWeight(id string) bool {
	return e.weights.Has(id)
}

// ConfigureOptimizer resolves per-tensor parameters. Unknown override ids
// are a ConfigError.
func (e *Engine) ConfigureOptimizer(r optim.Resolver) error {
	if r.Table != nil {
		if err := r.Table.Validate(r.Defaults, e.HasWeight); err != nil {
			return err
		}
	} else if err := r.Defaults.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.weights.IDs() {
		e.params[id] = r.Params(id)
	}
	return nil
}

// Step runs one optimization step over batch and returns its mean loss.
// The batch is split evenly across the configured threads.
func (e *Engine) Step(ctx context.Context, batch data.Batch, lr, wdl float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	loss, err := e.backward(batch, wdl)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		for _, id := range e.grads.IDs() {
			clear(e.grads.Get(id).Data)
		}
		return loss, fmt.Errorf("step %d: %w: loss %v", e.steps+1, ErrDiverged, loss)
	}
	for _, id := range e.weights.IDs() {
		g := e.grads.Get(id)
		e.adam[id].Update(e.weights.Get(id).Data, g.Data, lr, e.params[id])
		clear(g.Data)
	}
	e.steps++
	return loss, nil
}

// backward fills e.grads with the batch-mean gradient and returns the mean
// loss. The caller holds e.mu.
func (e *Engine) backward(batch data.Batch, wdl float64) (float64, error) {
	n := batch.Len()
	if n == 0 {
		return 0, errors.New("empty batch")
	}
	threads := min(e.opts.Threads, n)
	parts := make([]*workerGrads, threads)

	var g errgroup.Group
	for t := range threads {
		lo, hi := t*n/threads, (t+1)*n/threads
		g.Go(func() error {
			wg := e.newWorkerGrads()
			st := e.newScratch()
			for i, s := range batch.Samples[lo:hi] {
				if s.Pos == nil {
					return fmt.Errorf("sample %d: no position", lo+i)
				}
				e.accumulateSample(s, wdl, 1/float32(n), st, wg)
			}
			parts[t] = wg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	loss := 0.0
	for _, p := range parts {
		p.mergeInto(e.grads, e.net.Factorized)
		loss += p.loss
	}
	return loss / float64(n), nil
}

// Snapshot returns a deep copy of the weights taken between steps.
func (e *Engine) Snapshot() *tensor.Set {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weights.Clone()
}

// Steps returns the number of completed optimization steps.
func (e *Engine) Steps() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.steps
}

// Eval returns the raw network output for a FEN from the side to move's
// point of view, before scaling to centipawns.
func (e *Engine) Eval(fen string) (float64, error) {
	pos, err := chess.ParseFEN(fen)
	if err != nil {
		return 0, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.newScratch()
	return float64(e.forward(pos, st)), nil
}

// LoadRaw replaces the weights with a float32 dump written by
// tensor.WriteRaw. Optimizer moments are reset.
func (e *Engine) LoadRaw(r io.Reader) error {
	next := e.Snapshot()
	if err := tensor.ReadRaw(r, next); err != nil {
		return fmt.Errorf("failed to load raw weights: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.weights = next
	for _, id := range next.IDs() {
		e.adam[id] = optim.NewAdamW(next.Get(id).Len())
	}
	e.logf("refengine: loaded %d tensors, %d parameters", next.Len(), next.Params())
	return nil
}
