package trainer

import (
	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/schedule"
)

// RunConfig is the immutable schedule of one training run.
type RunConfig struct {
	// NetID labels the run's checkpoints. It must change whenever the
	// architecture or schedule does, or earlier results are overwritten.
	NetID     string
	EvalScale float64

	BatchSize            int
	BatchesPerSuperbatch int
	Start, End           int // inclusive superbatch range

	LR  schedule.Policy
	WDL schedule.Policy

	// SaveRate is the number of superbatches between checkpoints, counted
	// from Start: a run of N superbatches saves floor(N/SaveRate) times,
	// after superbatch Start+SaveRate-1 and every SaveRate after that.
	SaveRate int
	// SaveAnchor also checkpoints after the first superbatch, so the
	// cadence is Start, Start+SaveRate, ...
	SaveAnchor bool
}

// Validate reports the first malformed field.
func (c RunConfig) Validate() error {
	switch {
	case c.NetID == "":
		return errs.Configf("net_id", "empty network identifier")
	case c.EvalScale <= 0:
		return errs.Configf("eval_scale", "%v must be positive", c.EvalScale)
	case c.BatchSize <= 0:
		return errs.Configf("batch_size", "%d must be positive", c.BatchSize)
	case c.BatchesPerSuperbatch <= 0:
		return errs.Configf("batches_per_superbatch", "%d must be positive", c.BatchesPerSuperbatch)
	case c.Start < 0 || c.End < c.Start:
		return errs.Configf("superbatches", "invalid range [%d, %d]", c.Start, c.End)
	case c.SaveRate <= 0:
		return errs.Configf("save_rate", "%d must be positive", c.SaveRate)
	case c.LR == nil:
		return errs.Configf("lr_scheduler", "missing policy")
	case c.WDL == nil:
		return errs.Configf("wdl_scheduler", "missing policy")
	}
	return nil
}

// Superbatches returns the number of superbatches in the run.
func (c RunConfig) Superbatches() int { return c.End - c.Start + 1 }

// ShouldSave reports whether a checkpoint follows superbatch sb.
func (c RunConfig) ShouldSave(sb int) bool {
	offset := sb - c.Start
	if c.SaveAnchor {
		return offset%c.SaveRate == 0
	}
	return (offset+1)%c.SaveRate == 0
}

// StepAt returns the schedule step for batch b of superbatch sb.
func (c RunConfig) StepAt(sb, b int) schedule.Step {
	return schedule.At(sb, b, c.Start, c.End, c.BatchesPerSuperbatch)
}

// Settings are the machine-local parts of a run.
type Settings struct {
	Threads       int      `json:"threads"`
	DataPaths     []string `json:"data_paths"`
	OutputDir     string   `json:"output_directory"`
	PrefetchDepth int      `json:"prefetch_depth"`
	// TestFENs are probed after training and printed with their scaled eval.
	TestFENs []string `json:"test_fens,omitempty"`
}

// Validate reports the first malformed field.
func (s Settings) Validate() error {
	switch {
	case s.Threads <= 0:
		return errs.Configf("threads", "%d must be positive", s.Threads)
	case len(s.DataPaths) == 0:
		return errs.Configf("data_paths", "no data files")
	case s.OutputDir == "":
		return errs.Configf("output_directory", "empty path")
	case s.PrefetchDepth <= 0:
		return errs.Configf("prefetch_depth", "%d must be positive", s.PrefetchDepth)
	}
	return nil
}
