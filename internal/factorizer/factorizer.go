// Package factorizer folds a weight block shared by all input buckets into
// the per-bucket blocks.
//
// Layouts are row-major with one row per input feature: the factorizer is
// (features, hidden) and the bucketed block is (buckets*features, hidden),
// bucket b occupying rows [b*features, (b+1)*features).
package factorizer

import (
	"slices"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/tensor"
)

// Check verifies that perBucket is buckets stacked copies of the
// factorizer's shape.
func Check(factorizer, perBucket *tensor.Tensor, buckets int) error {
	want := []int{buckets * factorizer.Rows(), factorizer.Cols()}
	got := []int{perBucket.Rows(), perBucket.Cols()}
	if buckets <= 0 || !slices.Equal(want, got) {
		return &errs.ShapeError{Op: "fold " + factorizer.ID + " into " + perBucket.ID, Want: want, Got: got}
	}
	return nil
}

// Expand returns a new tensor whose bucket block b is perBucket[b] + factorizer.
// Neither input is modified. Buckets are independent, so the result does not
// depend on the order they are folded in.
func Expand(factorizer, perBucket *tensor.Tensor, buckets int) (*tensor.Tensor, error) {
	if err := Check(factorizer, perBucket, buckets); err != nil {
		return nil, err
	}
	out := perBucket.Clone()
	f := blas32.Vector{N: factorizer.Len(), Data: factorizer.Data, Inc: 1}
	block := factorizer.Len()
	for b := 0; b < buckets; b++ {
		y := blas32.Vector{N: block, Data: out.Data[b*block : (b+1)*block], Inc: 1}
		blas32.Axpy(1, f, y)
	}
	return out, nil
}

// Effective writes the forward-pass row of one feature in one bucket,
// perBucket[bucket][feature] + factorizer[feature], into dst.
func Effective(factorizer, perBucket *tensor.Tensor, bucket, feature int, dst []float32) {
	rows := factorizer.Rows()
	copy(dst, perBucket.Row(bucket*rows+feature))
	blas32.Axpy(1,
		blas32.Vector{N: len(dst), Data: factorizer.Row(feature), Inc: 1},
		blas32.Vector{N: len(dst), Data: dst, Inc: 1})
}
