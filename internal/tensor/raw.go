package tensor

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteRaw dumps every tensor of the set in order as little-endian float32.
// This is the unquantized layout a run can be restarted from.
func WriteRaw(w io.Writer, s *Set) error {
	for _, id := range s.order {
		if err := binary.Write(w, binary.LittleEndian, s.byID[id].Data); err != nil {
			return fmt.Errorf("failed to write %s: %w", id, err)
		}
	}
	return nil
}

// ReadRaw fills the tensors of s, in order, from a WriteRaw dump.
func ReadRaw(r io.Reader, s *Set) error {
	for _, id := range s.order {
		if err := binary.Read(r, binary.LittleEndian, s.byID[id].Data); err != nil {
			return fmt.Errorf("failed to read %s: %w", id, err)
		}
	}
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n != 0 {
		return fmt.Errorf("trailing data after %d tensors", len(s.order))
	}
	return nil
}
