package factorizer

import (
	"errors"
	"testing"

	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/tensor"
)

func fixture(buckets, features, hidden int) (f, w *tensor.Tensor) {
	f = tensor.New("l0f", features, hidden)
	w = tensor.New("l0w", buckets*features, hidden)
	for i := range f.Data {
		f.Data[i] = float32(i) * 0.25
	}
	for i := range w.Data {
		w.Data[i] = float32(i%7) - 3
	}
	return f, w
}

func TestExpandAddsFactorizerToEveryBucket(t *testing.T) {
	const buckets, features, hidden = 3, 4, 2
	f, w := fixture(buckets, features, hidden)
	orig := w.Clone()

	out, err := Expand(f, w, buckets)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	for b := 0; b < buckets; b++ {
		for i := 0; i < f.Len(); i++ {
			idx := b*f.Len() + i
			if want := orig.Data[idx] + f.Data[i]; out.Data[idx] != want {
				t.Errorf("bucket %d elem %d = %v, want %v", b, i, out.Data[idx], want)
			}
		}
	}
	for i := range w.Data {
		if w.Data[i] != orig.Data[i] {
			t.Fatal("Expand mutated the per-bucket input")
		}
	}
}

func TestEffectiveMatchesExpand(t *testing.T) {
	const buckets, features, hidden = 2, 5, 3
	f, w := fixture(buckets, features, hidden)
	out, err := Expand(f, w, buckets)
	if err != nil {
		t.Fatal(err)
	}
	row := make([]float32, hidden)
	for b := buckets - 1; b >= 0; b-- {
		for feat := 0; feat < features; feat++ {
			Effective(f, w, b, feat, row)
			want := out.Row(b*features + feat)
			for i := range row {
				if row[i] != want[i] {
					t.Errorf("bucket %d feature %d: %v, want %v", b, feat, row, want)
				}
			}
		}
	}
}

func TestExpandShapeMismatch(t *testing.T) {
	f := tensor.New("l0f", 4, 2)
	cases := []*tensor.Tensor{
		tensor.New("l0w", 12, 3), // hidden mismatch
		tensor.New("l0w", 10, 2), // not a whole number of buckets
	}
	for _, w := range cases {
		if _, err := Expand(f, w, 3); !errors.Is(err, errs.ErrShape) {
			t.Errorf("Expand(%v) = %v, want shape error", w, err)
		}
	}
	if _, err := Expand(f, tensor.New("l0w", 8, 2), 0); !errors.Is(err, errs.ErrShape) {
		t.Errorf("zero buckets: got %v, want shape error", err)
	}
}
