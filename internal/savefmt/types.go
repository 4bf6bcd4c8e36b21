// Package savefmt turns trained float weights into the quantized, transformed
// binary layout read by the inference engine.
//
// Each Entry runs a fixed chain on one weight tensor:
//
//	fold factorizer (optional) -> round -> quantize(scale, type) -> transpose (optional)
//
// and the artifact is the concatenation of every entry's little-endian
// values, in entry order, zero-padded to the pipeline's alignment.
package savefmt

import (
	"encoding/json"
	"fmt"
	"math"
)

// NumType is the on-disk numeric type of an entry.
type NumType int

const (
	Int16 NumType = iota
	Int8
	Int32
	Float32
)

var numTypeNames = map[NumType]string{Int8: "i8", Int16: "i16", Int32: "i32", Float32: "f32"}

func (t NumType) String() string {
	if s, ok := numTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("NumType(%d)", int(t))
}

// Size returns the width in bytes.
func (t NumType) Size() int {
	switch t {
	case Int8:
		return 1
	case Int16:
		return 2
	default:
		return 4
	}
}

// Integer reports whether values are stored as fixed-point integers.
func (t NumType) Integer() bool { return t != Float32 }

// Range returns the representable interval.
func (t NumType) Range() (lo, hi float64) {
	switch t {
	case Int8:
		return math.MinInt8, math.MaxInt8
	case Int16:
		return math.MinInt16, math.MaxInt16
	case Int32:
		return math.MinInt32, math.MaxInt32
	default:
		return -math.MaxFloat32, math.MaxFloat32
	}
}

func (t NumType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *NumType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for k, v := range numTypeNames {
		if v == s {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown numeric type %q", s)
}

// Entry declares how one output tensor is produced.
type Entry struct {
	// ID is the source weight tensor.
	ID string `json:"id"`

	// Factorizer, when set, is folded into ID across Buckets bucket blocks.
	Factorizer string `json:"factorizer,omitempty"`
	Buckets    int    `json:"buckets,omitempty"`

	// Truncate quantizes toward zero instead of rounding to nearest.
	Truncate bool    `json:"truncate,omitempty"`
	Scale    float64 `json:"scale"`
	Type     NumType `json:"type"`

	// Transpose swaps the two axes of a 2-D tensor.
	Transpose bool `json:"transpose,omitempty"`

	// LEB128 compresses Int16/Int32 values with signed LEB128.
	LEB128 bool `json:"leb128,omitempty"`
}

// OutputShape returns the saved shape for a source shape.
func (e Entry) OutputShape(src []int) []int {
	out := append([]int(nil), src...)
	if e.Transpose && len(out) == 2 {
		out[0], out[1] = out[1], out[0]
	}
	return out
}

// Saturation records one value that fell outside the target type's range
// and was clamped. It is reported, never fatal.
type Saturation struct {
	Entry string
	Index int     // element index in source order
	Value float64 // scaled value before clamping
}

func (s Saturation) String() string {
	return fmt.Sprintf("%s[%d]: %g clamped", s.Entry, s.Index, s.Value)
}

// EntryReport summarises one written entry.
type EntryReport struct {
	ID          string
	Shape       []int
	Type        NumType
	Bytes       int
	Saturations []Saturation
}

// Report summarises one encoded artifact.
type Report struct {
	Entries []EntryReport
	Padding int
	Bytes   int
}

// Saturated returns the total number of clamped values.
func (r *Report) Saturated() int {
	n := 0
	for _, e := range r.Entries {
		n += len(e.Saturations)
	}
	return n
}
