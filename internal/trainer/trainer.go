// Package trainer drives a training run: it pulls batches, evaluates the
// learning rate and WDL schedules, calls the engine once per batch and
// writes checkpoints at the configured cadence.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hailam/nnuetrain/internal/data"
	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/optim"
	"github.com/hailam/nnuetrain/internal/tensor"
)

// Engine computes gradients and owns the running weights.
type Engine interface {
	HasWeight(id string) bool
	ConfigureOptimizer(r optim.Resolver) error
	// Step runs one optimization step and returns the batch loss.
	Step(ctx context.Context, batch data.Batch, lr, wdl float64) (float64, error)
	// Snapshot returns a copy of the weights between steps.
	Snapshot() *tensor.Set
	// Eval returns the raw network output for a FEN.
	Eval(fen string) (float64, error)
}

// Source yields batches in order, returning io.EOF when exhausted.
type Source interface {
	Next(ctx context.Context) (data.Batch, error)
}

// Counted is implemented by sources that know how many batches remain.
// The driver then rejects a short superbatch before running any of it.
type Counted interface {
	Remaining() int
}

// Checkpointer persists the weights after a superbatch.
type Checkpointer interface {
	Save(ctx context.Context, netID string, superbatch int, weights *tensor.Set) error
}

// Validator is implemented by checkpointers that can check their save
// layout against the engine's weight ids before training starts.
type Validator interface {
	Validate(has func(id string) bool) error
}

// Progress summarises one finished superbatch.
type Progress struct {
	Superbatch int
	Loss       float64 // mean batch loss
	LR, WDL    float64 // values at the final batch
	Positions  int
	Elapsed    time.Duration
	Saved      bool
}

// PositionsPerSecond returns the throughput of the superbatch.
func (p Progress) PositionsPerSecond() float64 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float64(p.Positions) / p.Elapsed.Seconds()
}

// Result summarises a completed run.
type Result struct {
	Superbatches int
	Checkpoints  []int
	Losses       []float64
}

// Driver runs one training schedule.
type Driver struct {
	Config       RunConfig
	Engine       Engine
	Source       Source
	Checkpointer Checkpointer // nil disables checkpoints
	Optimizer    optim.Resolver

	// OnSuperbatch is called after every superbatch. An error aborts the run.
	OnSuperbatch func(Progress) error

	Logger *log.Logger
}

func (d *Driver) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// validate checks everything that can fail before the first step.
func (d *Driver) validate() error {
	if err := d.Config.Validate(); err != nil {
		return err
	}
	if d.Engine == nil || d.Source == nil {
		return errs.Configf("driver", "engine and source are required")
	}
	if err := d.Engine.ConfigureOptimizer(d.Optimizer); err != nil {
		return err
	}
	if v, ok := d.Checkpointer.(Validator); ok {
		if err := v.Validate(d.Engine.HasWeight); err != nil {
			return err
		}
	}
	return nil
}

// Run trains superbatches Start..End. It stops at the first engine error,
// data exhaustion or cancellation; checkpoints already written stay valid.
// Cancellation is observed between batches.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	cfg := d.Config
	d.logf("trainer: %s: superbatches %d..%d, %d batches of %d positions each",
		cfg.NetID, cfg.Start, cfg.End, cfg.BatchesPerSuperbatch, cfg.BatchSize)

	res := &Result{}
	for sb := cfg.Start; sb <= cfg.End; sb++ {
		p, err := d.superbatch(ctx, sb)
		if err != nil {
			return res, err
		}
		res.Superbatches++
		res.Losses = append(res.Losses, p.Loss)

		if cfg.ShouldSave(sb) && d.Checkpointer != nil {
			if err := d.Checkpointer.Save(ctx, cfg.NetID, sb, d.Engine.Snapshot()); err != nil {
				return res, fmt.Errorf("checkpoint %d: %w", sb, err)
			}
			res.Checkpoints = append(res.Checkpoints, sb)
			p.Saved = true
		}
		if d.OnSuperbatch != nil {
			if err := d.OnSuperbatch(p); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func (d *Driver) superbatch(ctx context.Context, sb int) (Progress, error) {
	cfg := d.Config
	bps := cfg.BatchesPerSuperbatch
	if c, ok := d.Source.(Counted); ok && c.Remaining() < bps {
		return Progress{}, &errs.DataExhaustionError{Superbatch: sb, Needed: bps, Available: c.Remaining()}
	}

	p := Progress{Superbatch: sb}
	start := time.Now()
	total := 0.0
	for b := 0; b < bps; b++ {
		if err := ctx.Err(); err != nil {
			return p, fmt.Errorf("superbatch %d batch %d: %w", sb, b, err)
		}
		batch, err := d.Source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return p, &errs.DataExhaustionError{Superbatch: sb, Needed: bps, Available: b}
		}
		if err != nil {
			return p, fmt.Errorf("superbatch %d batch %d: %w", sb, b, err)
		}

		step := cfg.StepAt(sb, b)
		p.LR, p.WDL = cfg.LR.Value(step), cfg.WDL.Value(step)
		loss, err := d.Engine.Step(ctx, batch, p.LR, p.WDL)
		if err != nil {
			return p, fmt.Errorf("superbatch %d batch %d: %w", sb, b, err)
		}
		total += loss
		p.Positions += batch.Len()
	}
	p.Loss = total / float64(bps)
	p.Elapsed = time.Since(start)

	d.logf("superbatch %d | time %.1fs | running loss %.6f | %s pos/sec | lr %.3g | wdl %.3g",
		sb, p.Elapsed.Seconds(), p.Loss, humanize.Comma(int64(p.PositionsPerSecond())), p.LR, p.WDL)
	return p, nil
}

// Probe returns the engine's evaluation of fen scaled to centipawns.
func (d *Driver) Probe(fen string) (float64, error) {
	v, err := d.Engine.Eval(fen)
	if err != nil {
		return 0, err
	}
	return v * d.Config.EvalScale, nil
}
