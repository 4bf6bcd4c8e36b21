package data

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/hailam/nnuetrain/internal/chess"
)

// ParseText parses one "fen | eval | result" line. Eval is in centipawns
// and result is 1.0, 0.5 or 0.0, both from White's point of view; the
// record stores them relative to the side to move.
func ParseText(line string) (Record, error) {
	parts := strings.Split(strings.TrimSpace(line), " | ")
	if len(parts) != 3 {
		return Record{}, fmt.Errorf("want \"fen | eval | result\", got %d fields", len(parts))
	}
	pos, err := chess.ParseFEN(parts[0])
	if err != nil {
		return Record{}, err
	}
	eval, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid eval %q: %w", parts[1], err)
	}
	if math.IsNaN(eval) || math.IsInf(eval, 0) {
		return Record{}, fmt.Errorf("invalid eval %q: not finite", parts[1])
	}
	wdl, err := strconv.ParseFloat(strings.Trim(parts[2], "[]"), 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid result %q: %w", parts[2], err)
	}

	var result uint8
	switch wdl {
	case 0:
		result = Loss
	case 0.5:
		result = Draw
	case 1:
		result = Win
	default:
		return Record{}, fmt.Errorf("invalid result %v", wdl)
	}
	if pos.SideToMove == chess.Black {
		eval = -eval
		result = Win - result
	}
	eval = math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(eval)))
	return Pack(pos, int16(eval), result)
}

// ConvertText reads text lines from r and writes packed records to w. Blank
// lines are skipped; a malformed line stops the conversion with its line
// number.
func ConvertText(r io.Reader, w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	sc := bufio.NewScanner(r)
	n := 0
	for line := 1; sc.Scan(); line++ {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		rec, err := ParseText(sc.Text())
		if err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		b, err := rec.MarshalBinary()
		if err != nil {
			return n, err
		}
		if _, err := bw.Write(b); err != nil {
			return n, err
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, err
	}
	return n, bw.Flush()
}
