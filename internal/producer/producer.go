// Package producer turns a line-oriented record stream into bounded batches.
package producer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/dedup"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/document"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/metrics"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/source"
)

// ErrExhausted is returned by Next once no more batches will be produced.
var ErrExhausted = errors.New("producer exhausted")

// LineReader yields the lines of a record stream, returning io.EOF at the end.
type LineReader interface {
	ReadLine() ([]byte, error)
}

// Batch is an ordered group of documents sent as one upload request.
// Seq numbers batches from 1 in source order.
type Batch struct {
	Seq       int64
	Documents []document.Document
}

// Len returns the number of documents in the batch.
func (b Batch) Len() int {
	return len(b.Documents)
}

// Options bounds the batches a Producer yields.
type Options struct {
	BatchSize     int
	MaxBatchCount int
	Logger        *slog.Logger
}

// Stats counts what the producer has seen so far.
type Stats struct {
	Lines          int64 // lines read, blank ones included
	BlankLines     int64
	Accepted       int64 // documents placed into batches
	ContentSkipped int64 // documents with too few fields
	Duplicates     int64 // documents whose id was already batched
	Batches        int64
	Truncated      bool // input ended at a malformed or oversized line
	CeilingReached bool // MaxBatchCount batches were cut before the end of input was seen
}

// Producer pulls lines, normalizes and deduplicates them, and cuts batches.
// Next is safe for concurrent use; each batch is returned to exactly one
// caller.
type Producer struct {
	mu sync.Mutex

	lines      LineReader
	normalizer *document.Normalizer
	seen       dedup.Set
	batchSize  int
	maxBatches int64
	log        *slog.Logger

	done  bool
	err   error // sticky read or dedup failure
	stats Stats
}

// New creates a producer. seen must be a fresh set for the run.
func New(lines LineReader, normalizer *document.Normalizer, seen dedup.Set, opts Options) *Producer {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.MaxBatchCount < 1 {
		opts.MaxBatchCount = 1
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Producer{
		lines:      lines,
		normalizer: normalizer,
		seen:       seen,
		batchSize:  opts.BatchSize,
		maxBatches: int64(opts.MaxBatchCount),
		log:        log.With("component", "producer"),
	}
}

// Next returns the next batch, ErrExhausted when the stream ended or the
// batch ceiling was reached, or the error that stopped reading.
// ctx is only checked before reading starts.
func (p *Producer) Next(ctx context.Context) (Batch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return Batch{}, p.err
	}
	if p.done {
		return Batch{}, ErrExhausted
	}
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	docs := make([]document.Document, 0, p.batchSize)
	for len(docs) < p.batchSize {
		doc, ok, err := p.nextDocument()
		if err != nil {
			p.err = err
			return Batch{}, err
		}
		if !ok {
			p.done = true
			break
		}
		docs = append(docs, doc)
	}

	if len(docs) == 0 {
		p.done = true
		return Batch{}, ErrExhausted
	}

	p.stats.Batches++
	p.stats.Accepted += int64(len(docs))
	if p.stats.Batches >= p.maxBatches && !p.done {
		// The rest of the input is never read.
		p.done = true
		p.stats.CeilingReached = true
		p.log.Info("batch ceiling reached", "max_batch_count", p.maxBatches)
	}
	if m := metrics.Get(); m != nil {
		m.IncBatchesProduced()
		m.ObserveBatchDocuments(float64(len(docs)))
	}

	return Batch{Seq: p.stats.Batches, Documents: docs}, nil
}

// nextDocument reads until it finds a document to batch. ok is false at the
// end of input.
func (p *Producer) nextDocument() (document.Document, bool, error) {
	for {
		line, err := p.lines.ReadLine()
		if err == io.EOF {
			return document.Document{}, false, nil
		}
		if errors.Is(err, source.ErrLineTooLong) {
			p.stats.Lines++
			p.stats.Truncated = true
			p.log.Warn("oversized record, treating as end of input", "line", p.stats.Lines, "error", err)
			return document.Document{}, false, nil
		}
		if err != nil {
			return document.Document{}, false, fmt.Errorf("read line %d: %w", p.stats.Lines+1, err)
		}
		p.stats.Lines++

		if len(bytes.TrimSpace(line)) == 0 {
			p.stats.BlankLines++
			continue
		}

		rec, err := document.ParseLine(line)
		if err != nil {
			// A record we cannot decode means the object was cut short.
			p.stats.Truncated = true
			p.log.Warn("malformed record, treating as end of input", "line", p.stats.Lines, "error", err)
			return document.Document{}, false, nil
		}

		doc := p.normalizer.Normalize(rec)
		if !doc.Indexable() {
			p.stats.ContentSkipped++
			p.skipped(metrics.SkipContent)
			continue
		}

		if doc.ExternalID != "" {
			added, err := p.seen.Insert(doc.ExternalID)
			if err != nil {
				return document.Document{}, false, fmt.Errorf("dedup: %w", err)
			}
			if !added {
				p.stats.Duplicates++
				p.skipped(metrics.SkipDuplicate)
				continue
			}
		}

		return doc, true, nil
	}
}

func (p *Producer) skipped(reason string) {
	if m := metrics.Get(); m != nil {
		m.IncRecordsSkipped(reason)
	}
}

// Stats returns a snapshot of the producer counters.
func (p *Producer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
