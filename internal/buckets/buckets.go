// Package buckets maps positional slots to input and output weight buckets.
package buckets

import (
	"slices"

	"github.com/hailam/nnuetrain/internal/chess"
	"github.com/hailam/nnuetrain/internal/errs"
)

// Indexer is a validated, immutable bucket layout: entry i is the bucket
// id of slot i.
type Indexer struct {
	layout     []int
	numBuckets int
}

// New validates layout and returns its indexer. Ids must lie in
// [0, len(layout)); unused ids below the maximum are allowed.
func New(layout []int) (*Indexer, error) {
	if len(layout) == 0 {
		return nil, errs.Configf("bucket layout", "empty layout")
	}
	maxID := 0
	for slot, id := range layout {
		if id < 0 || id >= len(layout) {
			return nil, errs.Configf("bucket layout", "slot %d: bucket %d outside [0, %d)", slot, id, len(layout))
		}
		maxID = max(maxID, id)
	}
	return &Indexer{layout: slices.Clone(layout), numBuckets: maxID + 1}, nil
}

// BucketOf returns the bucket id of slot. It panics for slots outside
// [0, Len()), like any out-of-range index.
func (ix *Indexer) BucketOf(slot int) int {
	return ix.layout[slot]
}

// NumBuckets returns max(layout)+1.
func (ix *Indexer) NumBuckets() int { return ix.numBuckets }

// Len returns the number of slots.
func (ix *Indexer) Len() int { return len(ix.layout) }

// Layout returns a copy of the layout.
func (ix *Indexer) Layout() []int { return slices.Clone(ix.layout) }

// KingBuckets selects an input bucket from a king square seen from its own
// side, so a white king on e1 and a black king on e8 share a bucket.
type KingBuckets interface {
	BucketOf(king chess.Square, side chess.Color) int
	// Mirror reports whether features for this king must be flipped a<->h.
	Mirror(king chess.Square) bool
	NumBuckets() int
	Layout() []int
}

// Mirrored folds files e-h onto d-a, so its layout covers 32 half-board slots
// ordered rank*4+file. That halves the number of distinct king buckets.
type Mirrored struct {
	*Indexer
}

// NewMirrored validates a 32-slot half-board layout.
func NewMirrored(layout []int) (*Mirrored, error) {
	if len(layout) != 32 {
		return nil, errs.Configf("bucket layout", "mirrored layout needs 32 slots, got %d", len(layout))
	}
	ix, err := New(layout)
	if err != nil {
		return nil, err
	}
	return &Mirrored{Indexer: ix}, nil
}

// BucketOf maps a king square to its bucket.
func (m *Mirrored) BucketOf(king chess.Square, side chess.Color) int {
	sq := king.Relative(side)
	file := sq.File()
	if file >= 4 {
		file ^= 7
	}
	return m.Indexer.BucketOf(sq.Rank()*4 + file)
}

// Mirror reports whether the king stands on files e-h.
func (m *Mirrored) Mirror(king chess.Square) bool {
	return king.File() >= 4
}

// Full uses one slot per board square without horizontal folding.
type Full struct {
	*Indexer
}

// NewFull validates a 64-slot layout.
func NewFull(layout []int) (*Full, error) {
	if len(layout) != 64 {
		return nil, errs.Configf("bucket layout", "full layout needs 64 slots, got %d", len(layout))
	}
	ix, err := New(layout)
	if err != nil {
		return nil, err
	}
	return &Full{Indexer: ix}, nil
}

// BucketOf maps a king square to its bucket.
func (f *Full) BucketOf(king chess.Square, side chess.Color) int {
	return f.Indexer.BucketOf(int(king.Relative(side)))
}

// Mirror is always false for a full layout.
func (f *Full) Mirror(chess.Square) bool { return false }

// Material selects an output bucket from the number of pieces on the board.
type Material struct {
	count   int
	divisor int
}

// NewMaterial splits the 2..32 piece range into count equal buckets.
func NewMaterial(count int) (*Material, error) {
	if count <= 0 || count > 32 {
		return nil, errs.Configf("output buckets", "count %d outside [1, 32]", count)
	}
	return &Material{count: count, divisor: (32 + count - 1) / count}, nil
}

// BucketOf returns the output bucket for pieceCount, kings included.
func (m *Material) BucketOf(pieceCount int) int {
	b := (pieceCount - 2) / m.divisor
	return min(max(b, 0), m.count-1)
}

// NumBuckets returns the bucket count.
func (m *Material) NumBuckets() int { return m.count }
