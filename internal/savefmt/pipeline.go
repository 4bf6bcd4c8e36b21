package savefmt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"

	"github.com/hailam/chessplay/sfnnue"

	"github.com/hailam/nnuetrain/internal/errs"
	"github.com/hailam/nnuetrain/internal/factorizer"
	"github.com/hailam/nnuetrain/internal/tensor"
)

// Pipeline is an ordered list of entries written as one artifact.
type Pipeline struct {
	Entries []Entry `json:"entries"`
	// Align pads the artifact with zero bytes to a multiple of Align.
	Align int `json:"align,omitempty"`

	Logger *log.Logger `json:"-"`
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Validate checks every entry against the available weight ids without
// touching tensor data.
func (p *Pipeline) Validate(has func(id string) bool) error {
	if len(p.Entries) == 0 {
		return errs.Configf("save format", "no entries")
	}
	if p.Align < 0 {
		return errs.Configf("save format", "negative alignment %d", p.Align)
	}
	for i, e := range p.Entries {
		field := fmt.Sprintf("save format entry %d", i)
		if !has(e.ID) {
			return errs.UnknownWeight(field, e.ID)
		}
		if e.Factorizer != "" {
			if !has(e.Factorizer) {
				return errs.UnknownWeight(field, e.Factorizer)
			}
			if e.Buckets <= 0 {
				return errs.Configf(field, "factorizer fold needs a positive bucket count")
			}
		}
		if e.Scale <= 0 {
			return errs.Configf(field, "scale %v must be positive", e.Scale)
		}
		if _, ok := numTypeNames[e.Type]; !ok {
			return errs.Configf(field, "unknown type %v", e.Type)
		}
		if e.LEB128 && e.Type != Int16 && e.Type != Int32 {
			return errs.Configf(field, "LEB128 needs i16 or i32, got %v", e.Type)
		}
	}
	return nil
}

// Transform runs the entry's chain over weights and returns the saved
// values with their shape, plus any saturations.
func (e Entry) Transform(weights *tensor.Set) ([]float64, []int, []Saturation, error) {
	src, err := weights.Lookup("save format", e.ID)
	if err != nil {
		return nil, nil, nil, err
	}

	if e.Factorizer != "" {
		f, err := weights.Lookup("save format", e.Factorizer)
		if err != nil {
			return nil, nil, nil, err
		}
		if src, err = factorizer.Expand(f, src, e.Buckets); err != nil {
			return nil, nil, nil, err
		}
	}

	vals := make([]float64, src.Len())
	var sat []Saturation
	for i, v := range src.Data {
		q, clamped := Quantize(float64(v), e.Scale, e.Type, e.Truncate)
		if clamped {
			sat = append(sat, Saturation{Entry: e.ID, Index: i, Value: float64(v) * e.Scale})
		}
		vals[i] = q
	}

	shape := append([]int(nil), src.Shape...)
	if e.Transpose {
		if vals, shape, err = Transpose(vals, shape); err != nil {
			return nil, nil, nil, fmt.Errorf("%s: %w", e.ID, err)
		}
	}
	return vals, shape, sat, nil
}

// Encode writes the artifact for a weight snapshot. Configuration and shape
// errors are reported before any byte is written to w.
func (p *Pipeline) Encode(weights *tensor.Set, w io.Writer) (*Report, error) {
	if err := p.Validate(weights.Has); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	report := &Report{}
	for _, e := range p.Entries {
		vals, shape, sat, err := e.Transform(weights)
		if err != nil {
			return nil, err
		}
		before := buf.Len()
		if err := encodeValues(&buf, e, vals); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", e.ID, err)
		}
		if len(sat) > 0 {
			p.logf("savefmt: %s: %d values saturated %v (first %v)", e.ID, len(sat), e.Type, sat[0])
		}
		report.Entries = append(report.Entries, EntryReport{
			ID:          e.ID,
			Shape:       shape,
			Type:        e.Type,
			Bytes:       buf.Len() - before,
			Saturations: sat,
		})
	}

	if p.Align > 1 {
		if rem := buf.Len() % p.Align; rem != 0 {
			report.Padding = p.Align - rem
			buf.Write(make([]byte, report.Padding))
		}
	}
	report.Bytes = buf.Len()

	if _, err := buf.WriteTo(w); err != nil {
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}
	return report, nil
}

func encodeValues(w io.Writer, e Entry, vals []float64) error {
	switch e.Type {
	case Int8:
		return sfnnue.WriteLittleEndianSlice(w, convert[int8](vals))
	case Int16:
		if e.LEB128 {
			return sfnnue.WriteLEB128(w, convert[int16](vals))
		}
		return sfnnue.WriteLittleEndianSlice(w, convert[int16](vals))
	case Int32:
		if e.LEB128 {
			return sfnnue.WriteLEB128(w, convert[int32](vals))
		}
		return sfnnue.WriteLittleEndianSlice(w, convert[int32](vals))
	case Float32:
		return binary.Write(w, binary.LittleEndian, convert[float32](vals))
	}
	return fmt.Errorf("unknown type %v", e.Type)
}

func convert[T int8 | int16 | int32 | float32](vals []float64) []T {
	out := make([]T, len(vals))
	for i, v := range vals {
		out[i] = T(v)
	}
	return out
}

// Decoded is one entry read back from an artifact, in saved orientation.
type Decoded struct {
	ID     string
	Shape  []int
	Values []float64 // stored values, not dequantized
	Scale  float64
}

// Dequantized returns the values mapped back through the entry's scale.
func (d Decoded) Dequantized() []float64 {
	out := make([]float64, len(d.Values))
	for i, v := range d.Values {
		out[i] = Dequantize(v, d.Scale)
	}
	return out
}

// Decode reads an artifact written by Encode. shapes supplies the source
// shape of every entry id; the trailing padding is returned as its length.
func (p *Pipeline) Decode(r io.Reader, shapes *tensor.Set) ([]Decoded, int, error) {
	if err := p.Validate(shapes.Has); err != nil {
		return nil, 0, err
	}
	var out []Decoded
	for _, e := range p.Entries {
		src := shapes.Get(e.ID)
		vals, err := decodeValues(r, e, src.Len())
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read %s: %w", e.ID, err)
		}
		out = append(out, Decoded{ID: e.ID, Shape: e.OutputShape(src.Shape), Values: vals, Scale: e.Scale})
	}
	rest, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read padding: %w", err)
	}
	for _, b := range rest {
		if b != 0 {
			return nil, 0, fmt.Errorf("non-zero byte in %d bytes of padding", len(rest))
		}
	}
	return out, len(rest), nil
}

func decodeValues(r io.Reader, e Entry, n int) ([]float64, error) {
	switch e.Type {
	case Int8:
		return readSlice[int8](r, n, false)
	case Int16:
		return readSlice[int16](r, n, e.LEB128)
	case Int32:
		return readSlice[int32](r, n, e.LEB128)
	case Float32:
		buf := make([]float32, n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, err
		}
		return widen(buf), nil
	}
	return nil, fmt.Errorf("unknown type %v", e.Type)
}

func readSlice[T int8 | int16 | int32](r io.Reader, n int, leb bool) ([]float64, error) {
	buf := make([]T, n)
	var err error
	if leb {
		switch b := any(buf).(type) {
		case []int16:
			err = sfnnue.ReadLEB128(r, b)
		case []int32:
			err = sfnnue.ReadLEB128(r, b)
		}
	} else {
		err = sfnnue.ReadLittleEndianSlice(r, buf)
	}
	if err != nil {
		return nil, err
	}
	return widen(buf), nil
}

func widen[T int8 | int16 | int32 | float32](vals []T) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = float64(v)
	}
	return out
}
