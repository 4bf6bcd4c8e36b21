// nnuetrain trains king-bucketed NNUE networks and writes quantized
// checkpoints in the engine's inference layout.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/hailam/nnuetrain/internal/config"
	"github.com/hailam/nnuetrain/internal/storage"
)

const usage = `usage: nnuetrain <command> [flags]

commands:
  train    -config run.json [-resume raw.bin] [-cpuprofile file]
  probe    -config run.json -weights raw.bin [-net quantised.bin] fen...
  convert  -in positions.txt -out shard.bin[.zst]
  inspect  -config run.json -net quantised.bin [fen...]
  losses   -config run.json | -net-id id [-registry dir]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "train":
		err = runTrain(args)
	case "probe":
		err = runProbe(args)
	case "convert":
		err = runConvert(args)
	case "inspect":
		err = runInspect(args)
	case "losses":
		err = runLosses(args)
	case "help", "-h", "-help", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// loadRun reads and resolves a run file.
func loadRun(path string) (*config.File, *config.Run, error) {
	file, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	run, err := file.Build()
	if err != nil {
		return nil, nil, err
	}
	return file, run, nil
}

// openRegistry opens dir, or the default data directory when dir is empty.
func openRegistry(dir string) (*storage.Storage, error) {
	if dir == "" {
		return storage.NewStorage()
	}
	return storage.Open(dir)
}
