// Package trace records dispatch latency. The dispatcher hands records over
// without blocking; a writer goroutine stores them in SQLite in batches.
package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/inputd/internal/config"
	"github.com/mattjoyce/inputd/internal/dispatch"
	"github.com/mattjoyce/inputd/internal/input"
	"github.com/mattjoyce/inputd/internal/log"
)

var (
	ErrNotFound = errors.New("trace record not found")
	ErrClosed   = errors.New("trace recorder closed")
)

const (
	defaultBatchSize     = 64
	defaultFlushInterval = 250 * time.Millisecond
	pruneInterval        = 10 * time.Minute

	// timeLayout is RFC3339 with fixed-width nanoseconds so stored times
	// sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

type item struct {
	resolved *dispatch.ResolvedRecord
	finished *dispatch.FinishedRecord
}

// Recorder implements dispatch.Tracer.
type Recorder struct {
	db            *sql.DB
	logger        *slog.Logger
	throttle      *log.Throttle
	batchSize     int
	flushInterval time.Duration
	retention     time.Duration
	now           func() time.Time

	in      chan item
	flushes chan chan error
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	dropped atomic.Uint64
	written atomic.Uint64
}

// NewRecorder starts the writer goroutine. The intake buffer holds four
// batches.
func NewRecorder(db *sql.DB, cfg config.TraceConfig) *Recorder {
	r := &Recorder{
		db:            db,
		logger:        log.WithComponent("trace"),
		throttle:      log.NewThrottle(1, 10),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		retention:     cfg.Retention,
		now:           time.Now,
		flushes:       make(chan chan error),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.flushInterval <= 0 {
		r.flushInterval = defaultFlushInterval
	}
	r.in = make(chan item, 4*r.batchSize)
	go r.run()
	return r
}

func (r *Recorder) EventResolved(rec dispatch.ResolvedRecord) {
	r.offer(item{resolved: &rec})
}

func (r *Recorder) DispatchFinished(rec dispatch.FinishedRecord) {
	r.offer(item{finished: &rec})
}

// offer never blocks; the dispatch loop calls it with its lock held.
func (r *Recorder) offer(it item) {
	select {
	case <-r.stop:
		return
	default:
	}
	select {
	case r.in <- it:
	default:
		n := r.dropped.Add(1)
		r.throttle.Log(r.logger, slog.LevelWarn, "trace full", "trace buffer full, dropping record", "dropped_total", n)
	}
}

// Dropped is the number of records discarded because the intake was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written is the number of records stored.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Flush waits until every record offered before the call is stored.
func (r *Recorder) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case r.flushes <- reply:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake, writes what is buffered and waits for the writer.
// The database is left open.
func (r *Recorder) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.stop) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	var prune <-chan time.Time
	if r.retention > 0 {
		pt := time.NewTicker(pruneInterval)
		defer pt.Stop()
		prune = pt.C
	}

	batch := make([]item, 0, r.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.write(batch)
		if err != nil {
			r.logger.Error("trace write failed", "records", len(batch), "error", err)
		}
		batch = batch[:0]
		return err
	}
	drain := func() {
		for {
			select {
			case it := <-r.in:
				batch = append(batch, it)
				if len(batch) >= r.batchSize {
					_ = flush()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case it := <-r.in:
			batch = append(batch, it)
			if len(batch) >= r.batchSize {
				_ = flush()
			}
		case <-ticker.C:
			_ = flush()
		case reply := <-r.flushes:
			drain()
			reply <- flush()
		case <-prune:
			if _, err := r.Prune(context.Background(), r.retention); err != nil {
				r.logger.Warn("trace prune failed", "error", err)
			}
		case <-r.stop:
			drain()
			_ = flush()
			r.logger.Debug("trace recorder stopped", "written", r.written.Load(), "dropped", r.dropped.Load())
			return
		}
	}
}

func (r *Recorder) write(batch []item) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trace batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, it := range batch {
		switch {
		case it.resolved != nil:
			err = insertResolved(ctx, tx, it.resolved)
		case it.finished != nil:
			err = insertFinished(ctx, tx, it.finished)
		}
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trace batch: %w", err)
	}
	r.written.Add(uint64(len(batch)))
	return nil
}

func insertResolved(ctx context.Context, tx *sql.Tx, rec *dispatch.ResolvedRecord) error {
	var uid any
	if rec.Injected {
		uid = rec.InjectorUID
	}
	var reason any
	if rec.DropReason != "" {
		reason = rec.DropReason
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO event_log(id, seq, kind, action, device_id, injected, injector_uid, result, targets, drop_reason, event_time, resolved_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), int64(rec.Seq), rec.Kind.String(), actionName(rec.Kind, rec.Action), rec.DeviceID,
		rec.Injected, uid, rec.Result.String(), rec.Targets, reason, rec.EventTime,
		rec.ResolvedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert event_log: %w", err)
	}
	return nil
}

func insertFinished(ctx context.Context, tx *sql.Tx, rec *dispatch.FinishedRecord) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO dispatch_log(id, seq, channel, kind, handled, samples, event_time, dispatched_at, finished_at, latency_us)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), int64(rec.Seq), rec.Channel, rec.Kind.String(), rec.Handled, rec.Samples, rec.EventTime,
		rec.DispatchedAt.UTC().Format(timeLayout), rec.FinishedAt.UTC().Format(timeLayout),
		rec.Latency().Microseconds())
	if err != nil {
		return fmt.Errorf("insert dispatch_log: %w", err)
	}
	return nil
}

func actionName(kind dispatch.EntryKind, action int32) string {
	switch kind {
	case dispatch.KindKey:
		return input.KeyActionString(action)
	case dispatch.KindMotion:
		return input.MotionActionString(action)
	default:
		return ""
	}
}
