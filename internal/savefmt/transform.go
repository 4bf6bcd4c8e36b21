package savefmt

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/hailam/nnuetrain/internal/errs"
)

// Quantize scales v into typ and clamps it to the type's range; saturated
// reports a clamp. Integer types round to nearest, or truncate toward zero
// when truncate is set. Float32 values are only scaled.
func Quantize(v, scale float64, typ NumType, truncate bool) (q float64, saturated bool) {
	x := v * scale
	if typ.Integer() {
		if truncate {
			x = math.Trunc(x)
		} else {
			x = math.Round(x)
		}
	}
	lo, hi := typ.Range()
	switch {
	case x < lo:
		return lo, true
	case x > hi:
		return hi, true
	}
	return x, false
}

// Dequantize maps a stored value back to the float domain.
func Dequantize(q, scale float64) float64 {
	return q / scale
}

// Transpose swaps the axes of a row-major 2-D block.
func Transpose(vals []float64, shape []int) ([]float64, []int, error) {
	if len(shape) != 2 || shape[0]*shape[1] != len(vals) {
		return nil, nil, &errs.ShapeError{Op: "transpose", Want: []int{-1, -1}, Got: shape}
	}
	rows, cols := shape[0], shape[1]
	if rows == 0 || cols == 0 {
		return vals, []int{cols, rows}, nil
	}
	t := mat.DenseCopyOf(mat.NewDense(rows, cols, vals).T())
	return t.RawMatrix().Data, []int{cols, rows}, nil
}
