package data

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Compressed reports whether path names a zstd shard.
func Compressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}

type shardReader struct {
	io.Reader
	f   *os.File
	dec *zstd.Decoder
}

func (s *shardReader) Close() error {
	if s.dec != nil {
		s.dec.Close()
	}
	return s.f.Close()
}

// OpenShard opens a shard of packed records for sequential reading,
// decompressing .zst files on the fly.
func OpenShard(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard: %w", err)
	}
	if !Compressed(path) {
		return &shardReader{Reader: bufio.NewReaderSize(f, 1<<16), f: f}, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &shardReader{Reader: dec, f: f, dec: dec}, nil
}

type shardWriter struct {
	*bufio.Writer
	f   *os.File
	enc *zstd.Encoder
}

func (s *shardWriter) Close() error {
	err := s.Writer.Flush()
	if s.enc != nil {
		if cerr := s.enc.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// CreateShard creates a shard for writing, zstd-compressed when path ends
// in .zst. Close must be called to flush it.
func CreateShard(path string) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create shard: %w", err)
	}
	if !Compressed(path) {
		return &shardWriter{Writer: bufio.NewWriter(f), f: f}, nil
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &shardWriter{Writer: bufio.NewWriter(enc), f: f, enc: enc}, nil
}

// CountRecords returns the number of records in a shard. Plain shards are
// sized from the file length; compressed ones are decoded once.
func CountRecords(path string) (int, error) {
	var size int64
	if !Compressed(path) {
		st, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		size = st.Size()
	} else {
		r, err := OpenShard(path)
		if err != nil {
			return 0, err
		}
		size, err = io.Copy(io.Discard, r)
		r.Close()
		if err != nil {
			return 0, fmt.Errorf("failed to scan %s: %w", path, err)
		}
	}
	if size%RecordSize != 0 {
		return 0, fmt.Errorf("%s: %d bytes is not a whole number of records", path, size)
	}
	return int(size / RecordSize), nil
}
