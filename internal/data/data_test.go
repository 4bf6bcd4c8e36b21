package data

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hailam/nnuetrain/internal/chess"
)

func TestPackUnpack(t *testing.T) {
	fens := []string{
		chess.StartFEN,
		"r3k2r/p1ppqpb1/bn2pnp1/3PN3/1p2P3/2N2Q1p/PPPBBPPP/R3K2R w KQkq - 0 1",
		"8/8/4k3/8/8/3K4/8/8 b - - 0 1",
	}
	for _, fen := range fens {
		pos, err := chess.ParseFEN(fen)
		if err != nil {
			t.Fatal(err)
		}
		rec, err := Pack(pos, -123, Draw)
		if err != nil {
			t.Fatalf("Pack(%s): %v", fen, err)
		}
		b, err := rec.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		if len(b) != RecordSize {
			t.Fatalf("encoded %d bytes, want %d", len(b), RecordSize)
		}
		var back Record
		if err := back.UnmarshalBinary(b); err != nil {
			t.Fatal(err)
		}
		s, err := back.Unpack()
		if err != nil {
			t.Fatalf("Unpack(%s): %v", fen, err)
		}
		if s.Pos.Board != pos.Board || s.Pos.SideToMove != pos.SideToMove || s.Pos.KingSquare != pos.KingSquare {
			t.Errorf("%s: decoded position differs", fen)
		}
		if s.Score != -123 || s.Result != 0.5 {
			t.Errorf("%s: score %d result %v, want -123 0.5", fen, s.Score, s.Result)
		}
	}
}

func TestUnpackRejectsCorruptRecords(t *testing.T) {
	pos, _ := chess.ParseFEN(chess.StartFEN)
	good, _ := Pack(pos, 0, Win)

	// e1 is the fifth occupied square: turn its king nibble into a queen.
	noKing := good
	noKing.Pieces[2] = noKing.Pieces[2]&^0x0f | byte(chess.NewPiece(chess.Queen, chess.White))
	if _, err := noKing.Unpack(); err == nil {
		t.Error("record without white king should not decode")
	}

	badPiece := good
	badPiece.Pieces[0] |= 0x0f
	if _, err := badPiece.Unpack(); err == nil {
		t.Error("record with piece nibble 15 should not decode")
	}

	badResult := good
	badResult.Result = 3
	if _, err := badResult.Unpack(); err == nil {
		t.Error("record with result 3 should not decode")
	}
}

func TestParseText(t *testing.T) {
	tests := []struct {
		line   string
		score  int16
		result float32
		stm    chess.Color
	}{
		{chess.StartFEN + " | 35 | 1.0", 35, 1, chess.White},
		{"rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1 | 40 | 1.0", -40, 0, chess.Black},
		{"8/8/4k3/8/8/3K4/8/8 b - - 0 1 | 0 | 0.5", 0, 0.5, chess.Black},
		{chess.StartFEN + " | 99999 | 0.0", 32767, 0, chess.White},
	}
	for _, tt := range tests {
		rec, err := ParseText(tt.line)
		if err != nil {
			t.Fatalf("ParseText(%q): %v", tt.line, err)
		}
		s, err := rec.Unpack()
		if err != nil {
			t.Fatal(err)
		}
		if s.Score != tt.score || s.Result != tt.result || s.Pos.SideToMove != tt.stm {
			t.Errorf("%q: got score %d result %v stm %v", tt.line, s.Score, s.Result, s.Pos.SideToMove)
		}
	}

	for _, bad := range []string{
		chess.StartFEN,
		chess.StartFEN + " | x | 1.0",
		chess.StartFEN + " | NaN | 1.0",
		chess.StartFEN + " | -Inf | 0.0",
		chess.StartFEN + " | 10 | 0.7",
		"8/8/8/8/8/8/8/8 w - - 0 1 | 0 | 0.5",
	} {
		if _, err := ParseText(bad); err == nil {
			t.Errorf("ParseText(%q) should fail", bad)
		}
	}
}

func writeShard(t *testing.T, path string, n int) {
	t.Helper()
	var text strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&text, "%s | %d | 0.5\n\n", chess.StartFEN, i)
	}
	w, err := CreateShard(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ConvertText(strings.NewReader(text.String()), w)
	if err != nil {
		t.Fatalf("ConvertText: %v", err)
	}
	if got != n {
		t.Fatalf("converted %d records, want %d", got, n)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestLoader(t *testing.T) {
	for _, name := range []string{"plain.bin", "packed.bin.zst"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			a := filepath.Join(dir, "a-"+name)
			b := filepath.Join(dir, "b-"+name)
			writeShard(t, a, 7)
			writeShard(t, b, 6)

			if n, err := CountRecords(a); err != nil || n != 7 {
				t.Fatalf("CountRecords = %d, %v, want 7", n, err)
			}

			ctx := context.Background()
			l, err := NewLoader(ctx, []string{a, b}, 4, 2)
			if err != nil {
				t.Fatal(err)
			}
			defer l.Close()

			// 13 records: three full batches, one record dropped.
			if l.Remaining() != 3 {
				t.Fatalf("Remaining = %d, want 3", l.Remaining())
			}
			var scores []int16
			for i := 0; i < 3; i++ {
				batch, err := l.Next(ctx)
				if err != nil {
					t.Fatalf("batch %d: %v", i, err)
				}
				if batch.Len() != 4 {
					t.Fatalf("batch %d has %d samples", i, batch.Len())
				}
				for _, s := range batch.Samples {
					scores = append(scores, s.Score)
				}
			}
			if _, err := l.Next(ctx); err != io.EOF {
				t.Errorf("after last batch: got %v, want io.EOF", err)
			}
			if l.Remaining() != 0 {
				t.Errorf("Remaining = %d, want 0", l.Remaining())
			}
			// Shards are read in order: 0..6 from a, then 0..4 from b.
			want := []int16{0, 1, 2, 3, 4, 5, 6, 0, 1, 2, 3, 4}
			for i := range want {
				if scores[i] != want[i] {
					t.Fatalf("scores = %v, want %v", scores, want)
				}
			}
		})
	}
}

func TestLoaderCloseEarly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.bin")
	writeShard(t, path, 64)
	l, err := NewLoader(context.Background(), []string{path}, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}

func TestLoaderHonoursContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.bin")
	writeShard(t, path, 4)
	l, err := NewLoader(context.Background(), []string{path}, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if _, err := l.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The producer has finished; Next either sees EOF or the cancelled ctx.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Next(ctx); err != io.EOF && !errors.Is(err, context.Canceled) {
		t.Errorf("Next = %v, want EOF or context.Canceled", err)
	}
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource(Batch{}, Batch{})
	ctx := context.Background()
	if src.Remaining() != 2 {
		t.Fatalf("Remaining = %d", src.Remaining())
	}
	src.Next(ctx)
	src.Next(ctx)
	if _, err := src.Next(ctx); err != io.EOF {
		t.Errorf("got %v, want io.EOF", err)
	}
}
