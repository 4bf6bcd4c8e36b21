package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/hailam/nnuetrain/internal/data"
	"github.com/hailam/nnuetrain/internal/refengine"
	"github.com/hailam/nnuetrain/internal/storage"
	"github.com/hailam/nnuetrain/internal/trainer"
)

func runTrain(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", "run.json", "run file")
	resume := fs.String("resume", "", "raw.bin checkpoint to start from")
	cpuprofile := fs.String("cpuprofile", "", "write cpu profile to file")
	fs.Parse(args)

	// Start CPU profiling if requested (via flag or environment variable)
	profilePath := *cpuprofile
	if profilePath == "" {
		profilePath = os.Getenv("CPUPROFILE")
	}
	if profilePath != "" {
		f, err := os.Create(profilePath)
		if err != nil {
			return fmt.Errorf("could not create CPU profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("could not start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
		log.Printf("CPU profiling enabled, writing to %s", profilePath)
	}

	file, run, err := loadRun(*configPath)
	if err != nil {
		return err
	}
	if run.Settings.OutputDir == "" {
		if run.Settings.OutputDir, err = storage.GetCheckpointDir(); err != nil {
			return err
		}
	}
	if err := run.Settings.Validate(); err != nil {
		return err
	}
	netID := run.Config.NetID

	canonical, err := file.Canonical()
	if err != nil {
		return err
	}
	reg, err := openRegistry(file.Registry)
	if err != nil {
		return err
	}
	defer reg.Close()
	if _, err := reg.RegisterRun(netID, canonical); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	weights := run.Net.NewWeights(run.Seed)
	eng, err := refengine.New(run.Net, weights, refengine.Options{
		Threads:   run.Settings.Threads,
		EvalScale: run.Config.EvalScale,
	})
	if err != nil {
		return err
	}
	if *resume != "" {
		f, err := os.Open(*resume)
		if err != nil {
			return err
		}
		err = eng.LoadRaw(f)
		f.Close()
		if err != nil {
			return err
		}
		log.Printf("Resuming %s from %s at superbatch %d", netID, *resume, run.Config.Start)
	}
	log.Printf("%s: %s parameters, %d input buckets, hidden %d",
		netID, humanize.Comma(int64(weights.Params())), run.Net.InputBucketCount(), run.Net.Hidden)

	loader, err := data.NewLoader(ctx, run.Settings.DataPaths, run.Config.BatchSize, run.Settings.PrefetchDepth)
	if err != nil {
		return err
	}
	defer loader.Close()
	needed := run.Config.Superbatches() * run.Config.BatchesPerSuperbatch
	if loader.Remaining() < needed {
		log.Printf("Warning: data holds %d batches, schedule needs %d", loader.Remaining(), needed)
	}

	ckpt := &trainer.FileCheckpointer{
		Root:   run.Settings.OutputDir,
		Format: run.Format,
		OnSave: func(c trainer.Checkpoint) error {
			return reg.RecordCheckpoint(c.NetID, storage.CheckpointRecord{
				Superbatch: c.Superbatch,
				Dir:        c.Dir,
				Path:       filepath.Join(c.Dir, trainer.QuantisedFile),
				Bytes:      c.Bytes,
				Checksum:   c.Checksum,
				Saturated:  c.Saturated,
			})
		},
	}
	driver := &trainer.Driver{
		Config:       run.Config,
		Engine:       eng,
		Source:       loader,
		Checkpointer: ckpt,
		Optimizer:    run.Optimizer,
		OnSuperbatch: func(p trainer.Progress) error {
			return reg.RecordLoss(netID, storage.LossPoint{
				Superbatch:         p.Superbatch,
				Loss:               p.Loss,
				LR:                 p.LR,
				WDL:                p.WDL,
				PositionsPerSecond: p.PositionsPerSecond(),
			})
		},
	}

	res, err := driver.Run(ctx)
	if ferr := reg.Finish(netID, err); ferr != nil {
		log.Printf("Warning: failed to update registry: %v", ferr)
	}
	if err != nil {
		if res != nil && len(res.Checkpoints) > 0 {
			log.Printf("Last checkpoint: %s", trainer.CheckpointDir(run.Settings.OutputDir, netID, res.Checkpoints[len(res.Checkpoints)-1]))
		}
		return err
	}
	log.Printf("%s: trained %d superbatches, wrote %d checkpoints", netID, res.Superbatches, len(res.Checkpoints))

	for _, fen := range run.Settings.TestFENs {
		v, err := driver.Probe(fen)
		if err != nil {
			log.Printf("Probe %q: %v", fen, err)
			continue
		}
		fmt.Printf("FEN: %s\nEVAL: %.0f\n", fen, v)
	}
	return nil
}
