package chess

import (
	"fmt"
	"strings"
)

// StartFEN is the FEN string for the starting position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Position is a mailbox board. Only piece placement and side to move are
// kept since nothing downstream of feature extraction needs move state.
type Position struct {
	Board      [64]Piece
	SideToMove Color
	KingSquare [2]Square
}

// Occupied calls fn for every occupied square in ascending order.
func (p *Position) Occupied(fn func(sq Square, pc Piece)) {
	for sq := Square(0); sq < NoSquare; sq++ {
		if pc := p.Board[sq]; pc != NoPiece {
			fn(sq, pc)
		}
	}
}

// PieceCount returns the number of pieces on the board, kings included.
func (p *Position) PieceCount() int {
	n := 0
	for _, pc := range p.Board {
		if pc != NoPiece {
			n++
		}
	}
	return n
}

// ParseFEN parses the placement and side-to-move fields of a FEN string.
// Remaining fields are accepted but ignored.
func ParseFEN(fen string) (*Position, error) {
	parts := strings.Fields(fen)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid FEN: need at least 2 fields, got %d", len(parts))
	}

	pos := &Position{KingSquare: [2]Square{NoSquare, NoSquare}}
	for i := range pos.Board {
		pos.Board[i] = NoPiece
	}

	if err := parsePiecePlacement(pos, parts[0]); err != nil {
		return nil, err
	}

	switch parts[1] {
	case "w":
		pos.SideToMove = White
	case "b":
		pos.SideToMove = Black
	default:
		return nil, fmt.Errorf("invalid side to move: %s", parts[1])
	}

	if pos.KingSquare[White] == NoSquare || pos.KingSquare[Black] == NoSquare {
		return nil, fmt.Errorf("invalid FEN: both kings required")
	}
	return pos, nil
}

// parsePiecePlacement parses the piece placement section of a FEN string.
func parsePiecePlacement(pos *Position, placement string) error {
	ranks := strings.Split(placement, "/")
	if len(ranks) != 8 {
		return fmt.Errorf("invalid piece placement: need 8 ranks, got %d", len(ranks))
	}

	for i, rankStr := range ranks {
		rank := 7 - i // FEN starts from rank 8
		file := 0

		for _, c := range rankStr {
			if file > 7 {
				return fmt.Errorf("too many squares in rank %d", rank+1)
			}

			if c >= '1' && c <= '8' {
				file += int(c - '0')
				continue
			}

			piece := PieceFromChar(byte(c))
			if piece == NoPiece {
				return fmt.Errorf("invalid piece character: %c", c)
			}
			sq := NewSquare(file, rank)
			pos.Board[sq] = piece
			if piece.Type() == King {
				if pos.KingSquare[piece.Color()] != NoSquare {
					return fmt.Errorf("invalid FEN: two %s kings", piece.Color())
				}
				pos.KingSquare[piece.Color()] = sq
			}
			file++
		}

		if file != 8 {
			return fmt.Errorf("invalid number of squares in rank %d: got %d", rank+1, file)
		}
	}

	return nil
}
