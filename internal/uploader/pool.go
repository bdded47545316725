package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/document"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/logging"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/metrics"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/producer"
)

// Defaults for PoolConfig.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
)

var (
	// ErrAttemptsExhausted means a batch kept failing with retryable
	// statuses until MaxAttempts was reached.
	ErrAttemptsExhausted = errors.New("upload attempts exhausted")

	// ErrRejected means the API answered with a non-retryable status.
	ErrRejected = errors.New("upload rejected")

	// ErrSourceRead means the BatchSource failed before it was exhausted.
	ErrSourceRead = errors.New("read batch")
)

// FatalError is the error that aborts a run.
type FatalError struct {
	Batch    int64  // batch sequence number
	Status   int    // last HTTP status, 0 if none
	Message  string // server message from the last response
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	msg := fmt.Sprintf("batch %d failed after %d attempt(s)", e.Batch, e.Attempts)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// BatchSource hands out batches; producer.Producer satisfies it.
// Next must be safe for concurrent use and return producer.ErrExhausted
// when there is nothing left.
type BatchSource interface {
	Next(ctx context.Context) (producer.Batch, error)
}

// Uploader sends one batch once; Client satisfies it.
type Uploader interface {
	Upload(ctx context.Context, token string, docs []document.Document) Outcome
}

// PoolObserver is notified as workers move batches along. Methods are
// called from worker goroutines and must be safe for concurrent use.
type PoolObserver interface {
	BatchStarted(worker int, b producer.Batch)
	AttemptFinished(worker int, b producer.Batch, attempt int, out Outcome)
	BackingOff(worker int, b producer.Batch, attempt int, delay time.Duration)
	BatchDelivered(worker int, b producer.Batch, attempts int)
	BatchFailed(worker int, b producer.Batch, err *FatalError)
}

// NopObserver implements PoolObserver with no-ops, for embedding.
type NopObserver struct{}

func (NopObserver) BatchStarted(int, producer.Batch)                   {}
func (NopObserver) AttemptFinished(int, producer.Batch, int, Outcome)  {}
func (NopObserver) BackingOff(int, producer.Batch, int, time.Duration) {}
func (NopObserver) BatchDelivered(int, producer.Batch, int)            {}
func (NopObserver) BatchFailed(int, producer.Batch, *FatalError)       {}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	Token       string
}

// PoolOption configures optional Pool behavior.
type PoolOption func(*Pool)

// WithObserver adds an observer.
func WithObserver(o PoolObserver) PoolOption {
	return func(p *Pool) {
		p.observers = append(p.observers, o)
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.log = l
	}
}

// Pool runs a fixed number of workers that share one BatchSource.
type Pool struct {
	source    BatchSource
	uploader  Uploader
	cfg       PoolConfig
	observers []PoolObserver
	log       *slog.Logger
}

// NewPool creates a pool.
func NewPool(source BatchSource, uploader Uploader, cfg PoolConfig, opts ...PoolOption) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}

	p := &Pool{
		source:   source,
		uploader: uploader,
		cfg:      cfg,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "uploader")
	return p
}

// antsLogger adapts slog.Logger to ants.Logger.
type antsLogger struct {
	logger *slog.Logger
}

func (l antsLogger) Printf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

// run is the state of one Run call.
type run struct {
	*Pool

	ctx      context.Context // caller context, used for requests
	abortCtx context.Context
	abort    context.CancelCauseFunc
	batches  chan producer.Batch

	once sync.Once
	err  error
}

// Run delivers batches until the source is exhausted or a batch fails.
// It returns nil when every batch was delivered, the first *FatalError
// when a batch failed, or the source error when reading stopped early.
//
// A failure stops new pulls, attempts and backoff waits. Requests already
// in flight are left to finish; only ctx cancels them.
func (p *Pool) Run(ctx context.Context) error {
	abortCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	r := &run{
		Pool:     p,
		ctx:      ctx,
		abortCtx: abortCtx,
		abort:    abort,
		batches:  make(chan producer.Batch),
	}

	workers, err := ants.NewPool(p.cfg.Workers, ants.WithLogger(antsLogger{p.log}))
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer workers.Release()

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		r.dispatch()
	}()

	p.log.Info("starting workers", "workers", p.cfg.Workers, "max_attempts", p.cfg.MaxAttempts, "backoff", p.cfg.Backoff)

	var wg sync.WaitGroup
	for i := 1; i <= p.cfg.Workers; i++ {
		id := i
		wg.Add(1)
		if err := workers.Submit(func() {
			defer wg.Done()
			defer func() {
				if v := recover(); v != nil {
					r.fail(fmt.Errorf("worker %d panic: %v", id, v))
				}
			}()
			r.work(id)
		}); err != nil {
			wg.Done()
			r.fail(fmt.Errorf("start worker %d: %w", id, err))
			break
		}
	}

	wg.Wait()
	<-dispatched

	if r.err != nil {
		return r.err
	}
	return ctx.Err()
}

// dispatch pulls batches from the source and hands each to one worker.
func (r *run) dispatch() {
	defer close(r.batches)

	for {
		b, err := r.source.Next(r.abortCtx)
		if errors.Is(err, producer.ErrExhausted) {
			return
		}
		if err != nil {
			if r.abortCtx.Err() == nil {
				r.fail(fmt.Errorf("%w: %w", ErrSourceRead, err))
			}
			return
		}

		select {
		case r.batches <- b:
		case <-r.abortCtx.Done():
			return
		}
	}
}

func (r *run) work(id int) {
	log := logging.WorkerLogger(r.log, id)

	for {
		var (
			b  producer.Batch
			ok bool
		)
		select {
		case <-r.abortCtx.Done():
			return
		case b, ok = <-r.batches:
			if !ok {
				return
			}
		}
		if r.abortCtx.Err() != nil {
			return
		}

		if err := r.deliver(log, id, b); err != nil {
			return
		}
	}
}

// errAbandoned means the batch was dropped because the run was aborted.
var errAbandoned = errors.New("batch abandoned")

func (r *run) deliver(log *slog.Logger, id int, b producer.Batch) error {
	log = logging.BatchLogger(log, b.Seq, b.Len())
	m := metrics.Get()

	r.notify(func(o PoolObserver) { o.BatchStarted(id, b) })
	if m != nil {
		m.AddInFlightBatches(1)
		defer m.AddInFlightBatches(-1)
	}

	for attempt := 1; ; attempt++ {
		log.Info("uploading batch", "attempt", attempt)

		out := r.uploader.Upload(r.ctx, r.cfg.Token, b.Documents)
		if m != nil {
			m.ObserveUpload(out.Class.String(), out.Duration.Seconds())
		}
		r.notify(func(o PoolObserver) { o.AttemptFinished(id, b, attempt, out) })

		switch out.Class {
		case ClassOK:
			log.Debug("batch delivered", "attempt", attempt, "status", out.Status, "duration", out.Duration)
			if m != nil {
				m.IncBatchesDelivered(b.Len())
			}
			r.notify(func(o PoolObserver) { o.BatchDelivered(id, b, attempt) })
			return nil

		case ClassRetryable:
			if attempt >= r.cfg.MaxAttempts {
				return r.fatal(log, id, b, out, attempt, fmt.Errorf("%w: %d attempts", ErrAttemptsExhausted, attempt))
			}

			log.Warn("backing off",
				"attempt", attempt,
				"status", out.Status,
				"message", out.Message,
				"delay", r.cfg.Backoff)
			if m != nil {
				m.IncRetryAttempts()
			}
			r.notify(func(o PoolObserver) { o.BackingOff(id, b, attempt, r.cfg.Backoff) })

			if !r.sleep(r.cfg.Backoff) {
				log.Debug("run aborted during backoff, dropping batch")
				return errAbandoned
			}

		default:
			err := out.Err
			if err == nil {
				err = fmt.Errorf("%w: status %d", ErrRejected, out.Status)
			}
			return r.fatal(log, id, b, out, attempt, err)
		}
	}
}

// fatal aborts the run with the batch failure before observers hear of it.
func (r *run) fatal(log *slog.Logger, id int, b producer.Batch, out Outcome, attempts int, err error) *FatalError {
	fe := &FatalError{
		Batch:    b.Seq,
		Status:   out.Status,
		Message:  out.Message,
		Attempts: attempts,
		Err:      err,
	}
	log.Error("batch failed", "attempts", attempts, "status", out.Status, "message", out.Message, "error", err)
	if m := metrics.Get(); m != nil {
		m.IncBatchesFailed()
	}
	r.fail(fe)
	r.notify(func(o PoolObserver) { o.BatchFailed(id, b, fe) })
	return fe
}

// sleep waits for d and reports false if the run was aborted first.
func (r *run) sleep(d time.Duration) bool {
	if d <= 0 {
		return r.abortCtx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.abortCtx.Done():
		return false
	}
}

// fail records the first fatal error and aborts the run.
func (r *run) fail(err error) {
	r.once.Do(func() {
		r.err = err
		r.abort(err)
	})
}

func (r *run) notify(fn func(PoolObserver)) {
	for _, o := range r.observers {
		fn(o)
	}
}
