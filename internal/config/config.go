// Package config reads the JSON run file that declares a training run:
// architecture, schedules, optimizer settings, save layout and the local
// machine settings.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/hailam/nnuetrain/internal/arch"
	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/optim"
	"github.com/hailam/nnuetrain/internal/savefmt"
	"github.com/hailam/nnuetrain/internal/schedule"
	"github.com/hailam/nnuetrain/internal/trainer"
)

// Optimizer declares the AdamW defaults and per-weight overrides. A nil
// Overrides map keeps the architecture's default clipping; an empty map
// disables it.
type Optimizer struct {
	Defaults  *optim.Params             `json:"defaults,omitempty"`
	Overrides map[string]optim.Override `json:"overrides,omitempty"`
}

// File is the run file.
type File struct {
	NetID string    `json:"net_id"`
	Arch  arch.Arch `json:"arch"`

	EvalScale            float64 `json:"eval_scale"`
	BatchSize            int     `json:"batch_size"`
	BatchesPerSuperbatch int     `json:"batches_per_superbatch"`
	StartSuperbatch      int     `json:"start_superbatch"`
	EndSuperbatch        int     `json:"end_superbatch"`
	SaveRate             int     `json:"save_rate"`
	SaveAnchor           bool    `json:"save_anchor,omitempty"`

	LR  *schedule.Declaration `json:"lr_scheduler"`
	WDL *schedule.Declaration `json:"wdl_scheduler"`

	Optimizer Optimizer `json:"optimizer"`
	// SaveFormat replaces the architecture's inference layout.
	SaveFormat *savefmt.Pipeline `json:"save_format,omitempty"`
	Seed       uint64            `json:"seed"`

	Settings trainer.Settings `json:"settings"`
	// Registry is the run registry directory; empty uses the default
	// data directory.
	Registry string `json:"registry,omitempty"`
}

// Default returns the settings the original nets were trained with.
func Default() File {
	return File{
		Arch:                 arch.Default(),
		EvalScale:            400,
		BatchSize:            16384,
		BatchesPerSuperbatch: 6104,
		StartSuperbatch:      1,
		EndSuperbatch:        800,
		SaveRate:             10,
		LR: &schedule.Declaration{
			Kind:          "warmup",
			WarmupBatches: 200,
			Inner: &schedule.Declaration{
				Kind:            "cosine",
				Initial:         0.001,
				Final:           0.001 * 0.3 * 0.3 * 0.3,
				FinalSuperbatch: 800,
			},
		},
		WDL: &schedule.Declaration{Kind: "linear_wdl", Start: 0.2, End: 0.4},
		Settings: trainer.Settings{
			Threads:       runtime.NumCPU(),
			PrefetchDepth: 4,
		},
	}
}

// Load reads a run file. Fields it omits keep their Default values;
// unknown fields are rejected.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}
	return Parse(b)
}

// Parse decodes a run file from b. A scheduler the file declares replaces
// the default one outright rather than merging into it.
func Parse(b []byte) (*File, error) {
	f := Default()
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(b, &keys); err != nil {
		return nil, errs.Configf("run file", "%v", err)
	}
	if _, ok := keys["lr_scheduler"]; ok {
		f.LR = nil
	}
	if _, ok := keys["wdl_scheduler"]; ok {
		f.WDL = nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, errs.Configf("run file", "%v", err)
	}
	return &f, nil
}

// Run is a run file resolved into the values the trainer consumes.
type Run struct {
	Config    trainer.RunConfig
	Net       *arch.Net
	Format    *savefmt.Pipeline
	Optimizer optim.Resolver
	Settings  trainer.Settings
	Seed      uint64
}

// Build validates the declarations and resolves them. Weight-id checks
// against the engine happen later, when the trainer starts.
func (f *File) Build() (*Run, error) {
	net, err := f.Arch.Compile()
	if err != nil {
		return nil, err
	}
	lr, err := f.LR.Build()
	if err != nil {
		return nil, fmt.Errorf("lr_scheduler: %w", err)
	}
	wdl, err := f.WDL.Build()
	if err != nil {
		return nil, fmt.Errorf("wdl_scheduler: %w", err)
	}
	cfg := trainer.RunConfig{
		NetID:                f.NetID,
		EvalScale:            f.EvalScale,
		BatchSize:            f.BatchSize,
		BatchesPerSuperbatch: f.BatchesPerSuperbatch,
		End:                  f.EndSuperbatch,
		LR:                   lr,
		WDL:                  wdl,
		SaveRate:             f.SaveRate,
		SaveAnchor:           f.SaveAnchor,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defaults := optim.DefaultParams()
	if f.Optimizer.Defaults != nil {
		defaults = *f.Optimizer.Defaults
	}
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	table := net.DefaultOverrides()
	if f.Optimizer.Overrides != nil {
		table = optim.NewTable()
		for id, o := range f.Optimizer.Overrides {
			table.Set(id, o)
		}
	}

	format := net.SaveFormat()
	if f.SaveFormat != nil {
		format = f.SaveFormat
	}

	return &Run{
		Config:    cfg,
		Net:       net,
		Format:    format,
		Optimizer: optim.Resolver{Table: table, Defaults: defaults},
		Settings:  f.Settings,
		Seed:      f.Seed,
	}, nil
}

// identity is everything that determines the trained weights. Machine
// settings are left out so a run can move between hosts, and the start
// superbatch so a resumed run keeps its net id.
type identity struct {
	Arch                 arch.Arch             `json:"arch"`
	EvalScale            float64               `json:"eval_scale"`
	BatchSize            int                   `json:"batch_size"`
	BatchesPerSuperbatch int                   `json:"batches_per_superbatch"`
	End                  int                   `json:"end_superbatch"`
	LR                   *schedule.Declaration `json:"lr_scheduler"`
	WDL                  *schedule.Declaration `json:"wdl_scheduler"`
	Optimizer            Optimizer             `json:"optimizer"`
	SaveFormat           *savefmt.Pipeline     `json:"save_format,omitempty"`
	Seed                 uint64                `json:"seed"`
}

// Canonical returns the encoding the registry fingerprints.
func (f *File) Canonical() ([]byte, error) {
	return json.Marshal(identity{
		Arch:                 f.Arch,
		EvalScale:            f.EvalScale,
		BatchSize:            f.BatchSize,
		BatchesPerSuperbatch: f.BatchesPerSuperbatch,
		End:                  f.EndSuperbatch,
		LR:                   f.LR,
		WDL:                  f.WDL,
		Optimizer:            f.Optimizer,
		SaveFormat:           f.SaveFormat,
		Seed:                 f.Seed,
	})
}
