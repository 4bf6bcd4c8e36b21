package main

import (
	"bufio"
	"bytes"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"slices"

	"github.com/dustin/go-humanize"

	"github.com/hailam/nnuetrain/internal/config"
	"github.com/hailam/nnuetrain/internal/data"
	"github.com/hailam/nnuetrain/internal/nnue"
	"github.com/hailam/nnuetrain/internal/refengine"
	"github.com/hailam/nnuetrain/internal/storage"
	"github.com/hailam/nnuetrain/internal/trainer"
)

// runProbe prints eval_scale * eval for each FEN against a raw checkpoint.
func runProbe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	configPath := fs.String("config", "run.json", "run file")
	weightsPath := fs.String("weights", "", "raw.bin checkpoint")
	netPath := fs.String("net", "", "quantised.bin to evaluate alongside")
	fs.Parse(args)
	if *weightsPath == "" || fs.NArg() == 0 {
		return errors.New("probe: -weights and at least one FEN are required")
	}

	_, run, err := loadRun(*configPath)
	if err != nil {
		return err
	}
	eng, err := refengine.New(run.Net, run.Net.NewWeights(run.Seed), refengine.Options{
		Threads:   1,
		EvalScale: run.Config.EvalScale,
	})
	if err != nil {
		return err
	}
	f, err := os.Open(*weightsPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := eng.LoadRaw(bufio.NewReader(f)); err != nil {
		return err
	}

	var quant *nnue.Evaluator
	if *netPath != "" {
		if quant, err = loadQuantised(run, *netPath); err != nil {
			return err
		}
	}

	driver := &trainer.Driver{Config: run.Config, Engine: eng}
	for _, fen := range fs.Args() {
		v, err := driver.Probe(fen)
		if err != nil {
			return fmt.Errorf("probe %q: %w", fen, err)
		}
		fmt.Printf("FEN: %s\nEVAL: %.0f\n", fen, v)
		if quant != nil {
			q, err := quant.EvaluateFEN(fen)
			if err != nil {
				return fmt.Errorf("evaluate %q: %w", fen, err)
			}
			fmt.Printf("QUANTISED: %d\n", q)
		}
	}
	return nil
}

func loadQuantised(run *config.Run, path string) (*nnue.Evaluator, error) {
	if !nnue.Supports(run.Net, run.Format) {
		return nil, nnue.ErrLayout
	}
	n := nnue.NewNetwork(run.Net, int(run.Config.EvalScale))
	if err := n.LoadWeights(path); err != nil {
		return nil, err
	}
	return nnue.NewEvaluator(n), nil
}

// runConvert packs "fen | eval | result" text into a binary shard.
func runConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	in := fs.String("in", "", "text positions, one per line")
	out := fs.String("out", "", "output shard; a .zst suffix compresses it")
	fs.Parse(args)
	if *in == "" || *out == "" {
		return errors.New("convert: -in and -out are required")
	}

	src, err := os.Open(*in)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := data.CreateShard(*out)
	if err != nil {
		return err
	}
	n, err := data.ConvertText(src, dst)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	info, err := os.Stat(*out)
	if err != nil {
		return err
	}
	log.Printf("Wrote %s positions to %s (%s)", humanize.Comma(int64(n)), *out, humanize.Bytes(uint64(info.Size())))
	return nil
}

// runInspect decodes a quantised artifact and summarises each tensor. FENs
// given as arguments, and the run's test FENs, are evaluated with integer
// arithmetic.
func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	configPath := fs.String("config", "run.json", "run file")
	netPath := fs.String("net", "", "quantised.bin artifact")
	fs.Parse(args)
	if *netPath == "" {
		return errors.New("inspect: -net is required")
	}

	_, run, err := loadRun(*configPath)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(*netPath)
	if err != nil {
		return err
	}
	entries, padding, err := run.Format.Decode(bytes.NewReader(raw), run.Net.NewWeights(0))
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s, checksum %016x\n", *netPath, humanize.Bytes(uint64(len(raw))), storage.Fingerprint(raw))
	for i, d := range entries {
		lo, hi := 0.0, 0.0
		if len(d.Values) > 0 {
			lo, hi = slices.Min(d.Values), slices.Max(d.Values)
		}
		e := run.Format.Entries[i]
		fmt.Printf("  %-4s %-5s shape %v  scale %g  range [%g, %g]\n", d.ID, e.Type, d.Shape, d.Scale, lo, hi)
	}
	fmt.Printf("  padding %d bytes (align %d)\n", padding, run.Format.Align)

	fens := slices.Concat(run.Settings.TestFENs, fs.Args())
	if len(fens) == 0 {
		return nil
	}
	if !nnue.Supports(run.Net, run.Format) {
		log.Printf("Skipping evaluation: %v", nnue.ErrLayout)
		return nil
	}
	quant, err := nnue.Load(run.Net, run.Format, int(run.Config.EvalScale), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	for _, fen := range fens {
		v, err := quant.EvaluateFEN(fen)
		if err != nil {
			return fmt.Errorf("evaluate %q: %w", fen, err)
		}
		fmt.Printf("FEN: %s\nEVAL: %d\n", fen, v)
	}
	return nil
}

// runLosses prints the recorded loss history and checkpoints of a run.
func runLosses(args []string) error {
	fs := flag.NewFlagSet("losses", flag.ExitOnError)
	configPath := fs.String("config", "", "run file naming the net id and registry")
	netID := fs.String("net-id", "", "network identifier")
	registry := fs.String("registry", "", "registry directory")
	fs.Parse(args)

	if *configPath != "" {
		file, _, err := loadRun(*configPath)
		if err != nil {
			return err
		}
		if *netID == "" {
			*netID = file.NetID
		}
		if *registry == "" {
			*registry = file.Registry
		}
	}
	if *netID == "" {
		return errors.New("losses: -config or -net-id is required")
	}

	reg, err := openRegistry(*registry)
	if err != nil {
		return err
	}
	defer reg.Close()

	run, err := reg.Run(*netID)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s, last superbatch %d, fingerprint %016x\n", run.NetID, run.Status, run.LastSuperbatch, run.Fingerprint)
	if run.Error != "" {
		fmt.Printf("error: %s\n", run.Error)
	}

	losses, err := reg.Losses(*netID)
	if err != nil {
		return err
	}
	for _, p := range losses {
		fmt.Printf("superbatch %d | running loss %.6f | %s pos/sec | lr %.3g | wdl %.3g\n",
			p.Superbatch, p.Loss, humanize.Comma(int64(p.PositionsPerSecond)), p.LR, p.WDL)
	}

	ckpts, err := reg.Checkpoints(*netID)
	if err != nil {
		return err
	}
	for _, c := range ckpts {
		status := "ok"
		if err := c.Verify(); err != nil {
			status = err.Error()
		}
		fmt.Printf("checkpoint %d: %s (%s, %d saturated) %s\n",
			c.Superbatch, c.Path, humanize.Bytes(uint64(c.Bytes)), c.Saturated, status)
	}
	return nil
}
