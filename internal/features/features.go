// Package features encodes positions into the Chess768 input features,
// indexed per perspective and per king bucket.
package features

import (
	"github.com/hailam/nnuetrain/internal/buckets"
	"github.com/hailam/nnuetrain/internal/chess"
)

// Chess768 dimensions: 2 colors * 6 piece types * 64 squares.
const (
	NumPieceTypes = 6
	NumSquares    = 64
	Size          = 2 * NumPieceTypes * NumSquares // 768

	theirOffset = NumPieceTypes * NumSquares
)

// Active holds the features of one perspective: the king bucket its
// weights come from and the base (unbucketed) feature indices.
type Active struct {
	Bucket   int
	Features []int
}

// Index returns the flat index of feature i into a bucketed weight block.
func (a Active) Index(i int) int {
	return a.Bucket*Size + a.Features[i]
}

// Index computes the base feature index of a piece from a perspective.
// mirror flips the board a<->h before the side-relative rank flip.
func Index(perspective chess.Color, mirror bool, pc chess.Piece, sq chess.Square) int {
	if mirror {
		sq = sq.MirrorFile()
	}
	sq = sq.Relative(perspective)

	idx := int(pc.Type())*NumSquares + int(sq)
	if pc.Color() != perspective {
		idx += theirOffset
	}
	return idx
}

// Perspective returns the active features for one side.
func Perspective(pos *chess.Position, kb buckets.KingBuckets, side chess.Color) Active {
	king := pos.KingSquare[side]
	mirror := kb.Mirror(king)

	act := Active{
		Bucket:   kb.BucketOf(king, side),
		Features: make([]int, 0, 32), // Typical piece count
	}
	pos.Occupied(func(sq chess.Square, pc chess.Piece) {
		act.Features = append(act.Features, Index(side, mirror, pc, sq))
	})
	return act
}

// Extract returns the features of both perspectives, side to move first.
func Extract(pos *chess.Position, kb buckets.KingBuckets) (stm, ntm Active) {
	return Perspective(pos, kb, pos.SideToMove), Perspective(pos, kb, pos.SideToMove.Other())
}
