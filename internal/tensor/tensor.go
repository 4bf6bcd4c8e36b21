// Package tensor holds the named float32 weight tensors a training engine owns.
package tensor

import (
	"fmt"
	"slices"

	"github.com/hailam/nnuetrain/internal/errs"
)

// Tensor is a dense row-major weight block identified by a unique id.
type Tensor struct {
	ID    string
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor of the given shape.
func New(id string, shape ...int) *Tensor {
	return &Tensor{ID: id, Shape: slices.Clone(shape), Data: make([]float32, Numel(shape))}
}

// FromData wraps existing storage, checking that its length matches the shape.
func FromData(id string, data []float32, shape ...int) (*Tensor, error) {
	if n := Numel(shape); n != len(data) {
		return nil, &errs.ShapeError{Op: "tensor " + id, Want: []int{n}, Got: []int{len(data)}}
	}
	return &Tensor{ID: id, Shape: slices.Clone(shape), Data: data}, nil
}

// Numel returns the element count of a shape.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Rows returns the size of the leading dimension.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// Cols returns the product of all trailing dimensions.
func (t *Tensor) Cols() int {
	if len(t.Shape) < 2 {
		return 1
	}
	return Numel(t.Shape[1:])
}

// Row returns a view of row i for tensors with at least one dimension.
func (t *Tensor) Row(i int) []float32 {
	c := t.Cols()
	return t.Data[i*c : (i+1)*c]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{ID: t.ID, Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%v", t.ID, t.Shape)
}

// Set is an ordered collection of tensors with unique ids.
type Set struct {
	order []string
	byID  map[string]*Tensor
}

// NewSet builds a set, rejecting duplicate ids.
func NewSet(ts ...*Tensor) (*Set, error) {
	s := &Set{byID: make(map[string]*Tensor, len(ts))}
	for _, t := range ts {
		if err := s.Add(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends a tensor.
func (s *Set) Add(t *Tensor) error {
	if _, ok := s.byID[t.ID]; ok {
		return errs.Configf("weights", "duplicate weight id %q", t.ID)
	}
	s.order = append(s.order, t.ID)
	s.byID[t.ID] = t
	return nil
}

// Get returns the tensor for id or nil.
func (s *Set) Get(id string) *Tensor { return s.byID[id] }

// Lookup returns the tensor for id or a ConfigError naming field.
func (s *Set) Lookup(field, id string) (*Tensor, error) {
	t, ok := s.byID[id]
	if !ok {
		return nil, errs.UnknownWeight(field, id)
	}
	return t, nil
}

// Has reports whether id is present.
func (s *Set) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// IDs returns the ids in insertion order.
func (s *Set) IDs() []string { return slices.Clone(s.order) }

// Len returns the number of tensors.
func (s *Set) Len() int { return len(s.order) }

// Clone deep-copies every tensor.
func (s *Set) Clone() *Set {
	c := &Set{order: slices.Clone(s.order), byID: make(map[string]*Tensor, len(s.byID))}
	for id, t := range s.byID {
		c.byID[id] = t.Clone()
	}
	return c
}

// Params returns the total number of scalar parameters.
func (s *Set) Params() int {
	n := 0
	for _, t := range s.byID {
		n += t.Len()
	}
	return n
}
