// Package chess implements the minimal board model the trainer needs:
// squares, pieces, and FEN parsing into a mailbox position.
package chess

import "fmt"

// Square represents a square on the chess board (0-63).
// Uses Little-Endian Rank-File Mapping: A1=0, H1=7, A8=56, H8=63.
type Square uint8

// Named squares used by tests and the feature encoder.
const (
	A1 Square = 0
	D1 Square = 3
	E1 Square = 4
	H1 Square = 7
	E2 Square = 12
	E4 Square = 28
	A8 Square = 56
	E8 Square = 60
	H8 Square = 63

	NoSquare Square = 64
)

// File returns the file (column) of the square (0-7, where 0=a, 7=h).
func (sq Square) File() int {
	return int(sq) & 7
}

// Rank returns the rank (row) of the square (0-7, where 0=1, 7=8).
func (sq Square) Rank() int {
	return int(sq) >> 3
}

// NewSquare creates a square from file and rank (0-indexed).
func NewSquare(file, rank int) Square {
	return Square(rank*8 + file)
}

// String returns the algebraic notation for the square (e.g., "e4").
func (sq Square) String() string {
	if sq >= NoSquare {
		return "-"
	}
	return fmt.Sprintf("%c%c", 'a'+sq.File(), '1'+sq.Rank())
}

// Flip returns the square mirrored vertically (for black's perspective).
func (sq Square) Flip() Square {
	return sq ^ 56
}

// MirrorFile returns the square mirrored horizontally (a<->h).
func (sq Square) MirrorFile() Square {
	return sq ^ 7
}

// Relative returns the square as seen from side c.
func (sq Square) Relative(c Color) Square {
	if c == White {
		return sq
	}
	return sq.Flip()
}
