package data

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

// Batch is a fixed-size group of decoded samples.
type Batch struct {
	Samples []Sample
}

// Len returns the number of samples.
func (b Batch) Len() int { return len(b.Samples) }

// Loader streams batches from shards read in order. A background goroutine
// decodes up to depth batches ahead of the consumer. Trailing records that
// do not fill a batch are dropped.
type Loader struct {
	batchSize int
	total     int
	delivered int

	ch     chan Batch
	cancel context.CancelFunc
	g      *errgroup.Group
}

// NewLoader counts the records in paths and starts prefetching.
func NewLoader(ctx context.Context, paths []string, batchSize, depth int) (*Loader, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no data paths")
	}
	if batchSize <= 0 || depth <= 0 {
		return nil, fmt.Errorf("batch size %d and prefetch depth %d must be positive", batchSize, depth)
	}
	records := 0
	for _, p := range paths {
		n, err := CountRecords(p)
		if err != nil {
			return nil, err
		}
		records += n
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	l := &Loader{
		batchSize: batchSize,
		total:     records / batchSize,
		ch:        make(chan Batch, depth),
		cancel:    cancel,
		g:         g,
	}
	g.Go(func() error {
		defer close(l.ch)
		return l.produce(gctx, paths)
	})
	return l, nil
}

func (l *Loader) produce(ctx context.Context, paths []string) error {
	batch := Batch{Samples: make([]Sample, 0, l.batchSize)}
	var buf [RecordSize]byte
	for _, path := range paths {
		r, err := OpenShard(path)
		if err != nil {
			return err
		}
		for i := 0; ; i++ {
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				r.Close()
				if err == io.EOF {
					break
				}
				return fmt.Errorf("%s: record %d: %w", path, i, err)
			}
			var rec Record
			if err := rec.UnmarshalBinary(buf[:]); err != nil {
				r.Close()
				return err
			}
			s, err := rec.Unpack()
			if err != nil {
				r.Close()
				return fmt.Errorf("%s: record %d: %w", path, i, err)
			}
			batch.Samples = append(batch.Samples, s)
			if batch.Len() < l.batchSize {
				continue
			}
			select {
			case l.ch <- batch:
			case <-ctx.Done():
				r.Close()
				return ctx.Err()
			}
			batch = Batch{Samples: make([]Sample, 0, l.batchSize)}
		}
	}
	return nil
}

// Next blocks until the next batch is decoded. It returns io.EOF once the
// shards are exhausted, or the error that stopped prefetching.
func (l *Loader) Next(ctx context.Context) (Batch, error) {
	select {
	case b, ok := <-l.ch:
		if !ok {
			if err := l.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return Batch{}, err
			}
			return Batch{}, io.EOF
		}
		l.delivered++
		return b, nil
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

// Remaining returns the number of full batches not yet delivered.
func (l *Loader) Remaining() int { return l.total - l.delivered }

// Close stops prefetching and waits for the reader goroutine.
func (l *Loader) Close() error {
	l.cancel()
	if err := l.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// SliceSource serves batches from memory.
type SliceSource struct {
	batches []Batch
	pos     int
}

// NewSliceSource returns a source over batches.
func NewSliceSource(batches ...Batch) *SliceSource {
	return &SliceSource{batches: batches}
}

func (s *SliceSource) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if s.pos >= len(s.batches) {
		return Batch{}, io.EOF
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

func (s *SliceSource) Remaining() int { return len(s.batches) - s.pos }
