// Package data reads and writes training positions as fixed-width packed
// records and serves them to the trainer in batches.
package data

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/hailam/nnuetrain/internal/chess"
)

// RecordSize is the encoded width of one Record in bytes.
const RecordSize = 32

// Result of a game from the side to move's point of view.
const (
	Loss uint8 = iota
	Draw
	Win
)

// Record is one packed training position. Pieces holds one nibble per
// occupied square of Occupancy in ascending square order, low nibble
// first; each nibble is a chess.Piece.
//
// Score and Result are relative to the side to move.
type Record struct {
	Occupancy  uint64
	Pieces     [16]byte
	Score      int16
	Result     uint8
	SideToMove uint8
	_          [4]byte
}

// Sample is a decoded Record.
type Sample struct {
	Pos    *chess.Position
	Score  int16   // centipawns, side to move
	Result float32 // 0, 0.5 or 1, side to move
}

// Pack encodes a position with its side-to-move relative score and result.
func Pack(pos *chess.Position, score int16, result uint8) (Record, error) {
	if result > Win {
		return Record{}, fmt.Errorf("invalid result %d", result)
	}
	rec := Record{Score: score, Result: result, SideToMove: uint8(pos.SideToMove)}
	n := 0
	var err error
	pos.Occupied(func(sq chess.Square, pc chess.Piece) {
		if n >= 32 {
			err = fmt.Errorf("more than 32 pieces")
			return
		}
		rec.Occupancy |= 1 << sq
		rec.Pieces[n/2] |= byte(pc) << (4 * (n % 2))
		n++
	})
	return rec, err
}

// Unpack decodes the record. It fails on an invalid piece nibble or a
// board without exactly one king per side.
func (r Record) Unpack() (Sample, error) {
	if bits.OnesCount64(r.Occupancy) > 32 {
		return Sample{}, fmt.Errorf("occupancy has %d squares", bits.OnesCount64(r.Occupancy))
	}
	if r.Result > Win || r.SideToMove > 1 {
		return Sample{}, fmt.Errorf("invalid record header: result %d, side %d", r.Result, r.SideToMove)
	}

	pos := &chess.Position{SideToMove: chess.Color(r.SideToMove), KingSquare: [2]chess.Square{chess.NoSquare, chess.NoSquare}}
	for i := range pos.Board {
		pos.Board[i] = chess.NoPiece
	}

	occ := r.Occupancy
	for n := 0; occ != 0; n++ {
		sq := chess.Square(bits.TrailingZeros64(occ))
		occ &= occ - 1

		pc := chess.Piece(r.Pieces[n/2] >> (4 * (n % 2)) & 0xf)
		if pc >= chess.NoPiece {
			return Sample{}, fmt.Errorf("invalid piece %d on %s", pc, sq)
		}
		pos.Board[sq] = pc
		if pc.Type() == chess.King {
			if pos.KingSquare[pc.Color()] != chess.NoSquare {
				return Sample{}, fmt.Errorf("two %s kings", pc.Color())
			}
			pos.KingSquare[pc.Color()] = sq
		}
	}
	if pos.KingSquare[chess.White] == chess.NoSquare || pos.KingSquare[chess.Black] == chess.NoSquare {
		return Sample{}, fmt.Errorf("missing king")
	}
	return Sample{Pos: pos, Score: r.Score, Result: float32(r.Result) / 2}, nil
}

// MarshalBinary returns the little-endian encoding of r.
func (r Record) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(RecordSize)
	if err := binary.Write(&buf, binary.LittleEndian, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a RecordSize byte slice.
func (r *Record) UnmarshalBinary(b []byte) error {
	if len(b) != RecordSize {
		return fmt.Errorf("record: got %d bytes, want %d", len(b), RecordSize)
	}
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, r)
}
