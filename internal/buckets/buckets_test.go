package buckets

import (
	"errors"
	"testing"

	"github.com/hailam/nnuetrain/internal/chess"
	"github.com/hailam/nnuetrain/internal/errs"
)

// Sixteen king buckets, finer near the home rank.
var renegadeLayout = []int{
	0, 1, 2, 3,
	4, 5, 6, 7,
	8, 8, 9, 9,
	10, 10, 11, 11,
	12, 12, 13, 13,
	12, 12, 13, 13,
	14, 14, 15, 15,
	14, 14, 15, 15,
}

func TestNumBucketsIsMaxPlusOne(t *testing.T) {
	tests := []struct {
		layout []int
		want   int
	}{
		{[]int{0}, 1},
		{[]int{0, 0, 0, 0}, 1},
		{[]int{0, 2, 2, 1}, 3},
		{[]int{3, 0, 0, 0}, 4},
		{renegadeLayout, 16},
	}
	for _, tt := range tests {
		ix, err := New(tt.layout)
		if err != nil {
			t.Fatalf("New(%v) failed: %v", tt.layout, err)
		}
		if got := ix.NumBuckets(); got != tt.want {
			t.Errorf("NumBuckets(%v) = %d, want %d", tt.layout, got, tt.want)
		}
		for slot := 0; slot < ix.Len(); slot++ {
			if got := ix.BucketOf(slot); got != tt.layout[slot] {
				t.Errorf("BucketOf(%d) = %d, want %d", slot, got, tt.layout[slot])
			}
		}
	}
}

func TestNewRejectsInvalidLayouts(t *testing.T) {
	for _, layout := range [][]int{nil, {}, {0, 2}, {-1, 0}, {0, 1, 5}} {
		if _, err := New(layout); !errors.Is(err, errs.ErrConfig) {
			t.Errorf("New(%v) = %v, want config error", layout, err)
		}
	}
}

func TestLayoutIsImmutable(t *testing.T) {
	src := []int{0, 1}
	ix, _ := New(src)
	src[0] = 1
	ix.Layout()[1] = 0
	if ix.BucketOf(0) != 0 || ix.BucketOf(1) != 1 {
		t.Error("indexer aliases caller storage")
	}
}

func TestMirroredSymmetry(t *testing.T) {
	m, err := NewMirrored(renegadeLayout)
	if err != nil {
		t.Fatal(err)
	}
	if m.NumBuckets() != 16 {
		t.Errorf("NumBuckets = %d, want 16", m.NumBuckets())
	}
	for sq := chess.Square(0); sq < chess.NoSquare; sq++ {
		w := m.BucketOf(sq, chess.White)
		// Color flip: black king on the rank-mirrored square.
		if b := m.BucketOf(sq.Flip(), chess.Black); b != w {
			t.Errorf("square %v: white bucket %d, flipped black bucket %d", sq, w, b)
		}
		// Horizontal fold.
		if h := m.BucketOf(sq.MirrorFile(), chess.White); h != w {
			t.Errorf("square %v: bucket %d, file-mirrored bucket %d", sq, w, h)
		}
	}
	if m.BucketOf(chess.E1, chess.White) != 3 {
		t.Errorf("e1 bucket = %d, want 3", m.BucketOf(chess.E1, chess.White))
	}
	if m.BucketOf(chess.E8, chess.Black) != 3 {
		t.Errorf("e8 black bucket = %d, want 3", m.BucketOf(chess.E8, chess.Black))
	}
	if !m.Mirror(chess.E1) || m.Mirror(chess.D1) {
		t.Error("Mirror should be true on files e-h only")
	}
}

func TestMirroredNeeds32Slots(t *testing.T) {
	if _, err := NewMirrored(make([]int, 16)); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("16-slot mirrored layout: got %v, want config error", err)
	}
	if _, err := NewFull(make([]int, 32)); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("32-slot full layout: got %v, want config error", err)
	}
}

func TestFullUsesRelativeSquare(t *testing.T) {
	layout := make([]int, 64)
	for i := range layout {
		layout[i] = i / 8 // one bucket per relative rank
	}
	f, err := NewFull(layout)
	if err != nil {
		t.Fatal(err)
	}
	if f.BucketOf(chess.E8, chess.Black) != 0 || f.BucketOf(chess.E8, chess.White) != 7 {
		t.Error("full layout should flip ranks for black")
	}
}

func TestMaterialBuckets(t *testing.T) {
	m, err := NewMaterial(8)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct{ pieces, want int }{
		{2, 0}, {5, 0}, {6, 1}, {17, 3}, {32, 7}, {33, 7},
	}
	for _, tt := range tests {
		if got := m.BucketOf(tt.pieces); got != tt.want {
			t.Errorf("BucketOf(%d) = %d, want %d", tt.pieces, got, tt.want)
		}
	}
	if _, err := NewMaterial(0); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("NewMaterial(0) = %v, want config error", err)
	}
}
