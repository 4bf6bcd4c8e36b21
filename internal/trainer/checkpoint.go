package trainer

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"

	"github.com/hailam/nnuetrain/internal/savefmt"
	"github.com/hailam/nnuetrain/internal/tensor"
)

// Checkpoint file names inside a checkpoint directory.
const (
	QuantisedFile = "quantised.bin"
	RawFile       = "raw.bin"
)

// Checkpoint describes a written checkpoint.
type Checkpoint struct {
	NetID      string `json:"net_id"`
	Superbatch int    `json:"superbatch"`
	Dir        string `json:"dir"`
	Bytes      int    `json:"bytes"`
	Checksum   uint64 `json:"checksum"` // xxhash64 of the quantised file
	Saturated  int    `json:"saturated"`
}

// CheckpointDir returns <root>/<netID>-<superbatch>.
func CheckpointDir(root, netID string, superbatch int) string {
	return filepath.Join(root, fmt.Sprintf("%s-%d", netID, superbatch))
}

// FileCheckpointer writes each checkpoint as a directory holding the
// quantised network and a float32 dump the run can be restarted from.
type FileCheckpointer struct {
	Root   string
	Format *savefmt.Pipeline

	// OnSave is called after both files are written.
	OnSave func(Checkpoint) error

	Logger *log.Logger
}

func (c *FileCheckpointer) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Validate checks the save layout against the engine's weights.
func (c *FileCheckpointer) Validate(has func(id string) bool) error {
	return c.Format.Validate(has)
}

// Save writes the checkpoint. Each file is written to a temporary name and
// renamed into place.
func (c *FileCheckpointer) Save(ctx context.Context, netID string, superbatch int, weights *tensor.Set) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := CheckpointDir(c.Root, netID, superbatch)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	if c.Format.Logger == nil {
		c.Format.Logger = c.Logger
	}
	var quant bytes.Buffer
	report, err := c.Format.Encode(weights, &quant)
	if err != nil {
		return err
	}
	var raw bytes.Buffer
	if err := tensor.WriteRaw(&raw, weights); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, QuantisedFile), quant.Bytes()); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, RawFile), raw.Bytes()); err != nil {
		return err
	}

	ck := Checkpoint{
		NetID:      netID,
		Superbatch: superbatch,
		Dir:        dir,
		Bytes:      report.Bytes,
		Checksum:   xxhash.Sum64(quant.Bytes()),
		Saturated:  report.Saturated(),
	}
	c.logf("trainer: saved %s (%s quantised, %s raw, %d saturated)",
		dir, humanize.Bytes(uint64(quant.Len())), humanize.Bytes(uint64(raw.Len())), ck.Saturated)
	if c.OnSave != nil {
		return c.OnSave(ck)
	}
	return nil
}

func writeFile(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
