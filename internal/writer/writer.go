// Package writer owns the single PostgreSQL connection, batches row tuples
// into transactions under configurable size/time/idle triggers, and
// recovers from connection failures by reconnecting and replaying every
// row that had been sent but not yet committed.
package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/torrentg/log2pg/internal/entities"
	"github.com/torrentg/log2pg/internal/mqueue"
	"github.com/torrentg/log2pg/internal/rowtuple"
)

// Defaults mirror the spec's configuration defaults.
const (
	DefaultMaxInserts             = 1000
	DefaultMaxDuration            = 10 * time.Second
	DefaultIdleTimeout            = time.Second
	DefaultRetryInterval          = 30 * time.Second
	DefaultMaxFailedReconnections = 3
)

// State is one of the writer's four connection/transaction states.
type State int

const (
	Uninitialized State = iota
	Connected
	Transaction
	ErrorState
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Connected:
		return "CONNECTED"
	case Transaction:
		return "TRANSACTION"
	case ErrorState:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Config holds the writer's tunables, all of which correspond directly to
// the database section of the configuration schema.
type Config struct {
	ConnectionURL          string
	RetryInterval          time.Duration
	MaxFailedReconnections int
	MaxInserts             int
	MaxDuration            time.Duration
	IdleTimeout            time.Duration
}

// applyDefaults replaces zero or negative tunables with their documented
// defaults.
func (c *Config) applyDefaults() {
	if c.MaxInserts <= 0 {
		c.MaxInserts = DefaultMaxInserts
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxFailedReconnections <= 0 {
		c.MaxFailedReconnections = DefaultMaxFailedReconnections
	}
}

// Option configures a Writer at construction time.
type Option func(*Writer)

// WithLogger overrides the writer's logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) { w.logger = logger }
}

// WithTerminate sets the callback invoked when the writer gives up after
// MaxFailedReconnections consecutive failures, or when it receives an
// ERROR message from the queue. It should cancel the pipeline's shared
// context. The default is a no-op.
func WithTerminate(fn func()) Option {
	return func(w *Writer) { w.terminate = fn }
}

// connector abstracts dialing a database connection, so tests can swap in
// a fake without a real PostgreSQL server.
type connector interface {
	Connect(ctx context.Context, connString string) (conn, error)
}

// conn is the subset of *pgx.Conn (or pgx.Tx within a transaction) the
// writer depends on, so tests can substitute a fake executor.
type conn interface {
	Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
}

// pgxConnector dials real PostgreSQL connections via pgx.
type pgxConnector struct{}

func (pgxConnector) Connect(ctx context.Context, connString string) (conn, error) {
	c, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	return pgxConnAdapter{c}, nil
}

// pgxConnAdapter adapts *pgx.Conn to the conn interface (pgx.Tx already
// satisfies everything but Close(ctx) error, which transactions don't
// have — the writer drives transactions through the pgx.Tx that Begin
// returns).
type pgxConnAdapter struct{ c *pgx.Conn }

func (a pgxConnAdapter) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return a.c.Prepare(ctx, name, sql)
}
func (a pgxConnAdapter) Begin(ctx context.Context) (pgx.Tx, error) { return a.c.Begin(ctx) }
func (a pgxConnAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return a.c.Exec(ctx, sql, args...)
}
func (a pgxConnAdapter) Close(ctx context.Context) error { return a.c.Close(ctx) }

// Writer consumes ROW messages from in, batches them into transactions
// against a single PostgreSQL connection, and reconnects with replay on
// failure.
type Writer struct {
	cfg       Config
	tables    []*entities.Table
	in        *mqueue.Queue
	logger    *slog.Logger
	terminate func()
	dial      connector

	db    conn
	tx    pgx.Tx
	state State

	pending []rowtuple.Row
	txID    uuid.UUID
	txStart time.Time

	failedReconnections int
}

// New creates a Writer. tables is the set of destination tables to prepare
// statements for; their Name is used as the prepared-statement name and
// PositionalSQL as the statement text.
func New(cfg Config, tables []*entities.Table, in *mqueue.Queue, opts ...Option) *Writer {
	cfg.applyDefaults()
	w := &Writer{
		cfg:       cfg,
		tables:    tables,
		in:        in,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		terminate: func() {},
		dial:      pgxConnector{},
		pending:   make([]rowtuple.Row, 0, cfg.MaxInserts),
		state:     Uninitialized,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run dials the database, prepares one statement per table, and then
// services ROW/TIMEOUT/CLOSE messages until the queue closes or the
// context is cancelled. A start-up connection or prepare failure is fatal
// and returned directly; failures encountered afterwards are handled by
// the reconnect-and-replay loop instead.
func (w *Writer) Run(ctx context.Context) error {
	db, err := w.dial.Connect(ctx, w.cfg.ConnectionURL)
	if err != nil {
		return fmt.Errorf("writer: connect: %w", err)
	}
	if err := w.prepareAll(ctx, db); err != nil {
		db.Close(ctx)
		return fmt.Errorf("writer: prepare: %w", err)
	}
	w.db = db
	w.state = Connected
	defer func() {
		if w.db != nil {
			w.db.Close(ctx)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		msg := w.in.Pop(w.nextTimeout())
		switch msg.Type {
		case mqueue.Row:
			row, ok := msg.Payload.(*rowtuple.Row)
			if !ok {
				continue
			}
			if err := w.handleRow(ctx, *row); err != nil {
				if rerr := w.handleFailure(ctx, err); rerr != nil {
					if isShutdown(rerr) {
						return nil
					}
					return rerr
				}
			}

		case mqueue.Timeout:
			if w.state == Transaction {
				if err := w.commit(ctx); err != nil {
					if rerr := w.handleFailure(ctx, err); rerr != nil {
						if isShutdown(rerr) {
							return nil
						}
						return rerr
					}
				}
			}

		case mqueue.Closed, mqueue.Interrupted:
			if w.state == Transaction {
				if err := w.commit(ctx); err != nil {
					w.logger.Error("writer: final commit failed", slog.Any("error", err))
				}
			}
			return nil

		case mqueue.Error:
			err := fmt.Errorf("writer: received error message from upstream queue")
			w.logger.Error(err.Error())
			w.terminate()
			return err

		default:
			w.logger.Warn("writer: unexpected message type", slog.String("type", msg.Type.String()))
		}
	}
}

// isShutdown reports whether err represents ordinary context cancellation
// (the pipeline shutting down cleanly) rather than a terminal writer
// failure that should be surfaced to the caller.
func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// nextTimeout computes the queue pop timeout implied by the batching
// policy: while idle (no open transaction) the writer waits forever for
// the first row; while a transaction is open it wakes on whichever of
// max-duration or idle-timeout elapses first.
func (w *Writer) nextTimeout() time.Duration {
	if w.state != Transaction {
		return 0
	}
	remaining := w.cfg.MaxDuration - time.Since(w.txStart)
	if remaining <= 0 {
		// Pop treats 0 as "wait forever"; the smallest positive timeout
		// makes it report Timeout at once so the commit fires.
		return time.Nanosecond
	}
	if w.cfg.IdleTimeout < remaining {
		return w.cfg.IdleTimeout
	}
	return remaining
}

// handleRow appends the row to the pending replay buffer, begins a
// transaction if none is open, and executes the row's prepared statement,
// committing immediately if max-inserts has been reached. The row is
// buffered first so that a failed begin or exec is replayed on reconnect.
func (w *Writer) handleRow(ctx context.Context, row rowtuple.Row) error {
	w.pending = append(w.pending, row)

	if w.state == Connected {
		if err := w.beginTx(ctx); err != nil {
			return err
		}
	}

	if _, err := w.tx.Exec(ctx, row.File.Table.Name, row.Args()...); err != nil {
		return fmt.Errorf("exec %s: %w", row.File.Table.Name, err)
	}

	if len(w.pending) >= w.cfg.MaxInserts {
		return w.commit(ctx)
	}
	return nil
}

func (w *Writer) beginTx(ctx context.Context) error {
	tx, err := w.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	w.tx = tx
	w.txID = uuid.New()
	w.txStart = time.Now()
	w.state = Transaction
	w.logger.Debug("writer: transaction started", slog.String("tx", w.txID.String()))
	return nil
}

func (w *Writer) commit(ctx context.Context) error {
	if err := w.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	w.logger.Info("writer: transaction committed",
		slog.String("tx", w.txID.String()),
		slog.Int("rows", len(w.pending)))
	w.pending = w.pending[:0]
	w.tx = nil
	w.state = Connected
	return nil
}

// handleFailure transitions to ErrorState and runs the reconnect loop. It
// returns nil once reconnected and ready to resume, ctx.Err() if the
// context was cancelled while retrying (the caller should shut down
// cleanly), or a non-nil error once MaxFailedReconnections is reached
// (after calling terminate()) that the caller should surface to Run's
// return value.
func (w *Writer) handleFailure(ctx context.Context, cause error) error {
	w.logger.Warn("writer: operation failed, entering reconnect", slog.Any("error", cause))
	w.state = ErrorState
	return w.reconnect(ctx)
}

// reconnect implements the error & reconnect design: sleep retry-interval,
// disconnect, dial, re-prepare, replay the pending list inside a fresh
// transaction, and commit. It repeats on failure until
// MaxFailedReconnections is reached, at which point it signals process
// termination and returns a terminal error.
func (w *Writer) reconnect(ctx context.Context) error {
	if w.db != nil {
		w.db.Close(ctx)
		w.db = nil
	}

	b := backoff.NewConstantBackOff(w.cfg.RetryInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.NextBackOff()):
		}

		if err := w.tryReconnectOnce(ctx); err != nil {
			w.failedReconnections++
			w.logger.Warn("writer: reconnect attempt failed",
				slog.Int("attempt", w.failedReconnections),
				slog.Any("error", err))

			if w.failedReconnections >= w.cfg.MaxFailedReconnections {
				w.logger.Error("writer: max failed reconnections reached, terminating")
				w.terminate()
				return fmt.Errorf("writer: giving up after %d failed reconnection attempts: %w", w.failedReconnections, err)
			}
			continue
		}

		w.failedReconnections = 0
		return nil
	}
}

// tryReconnectOnce dials, re-prepares every table's statement, and replays
// the pending list inside a fresh transaction, attempting commit.
func (w *Writer) tryReconnectOnce(ctx context.Context) error {
	db, err := w.dial.Connect(ctx, w.cfg.ConnectionURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if err := w.prepareAll(ctx, db); err != nil {
		db.Close(ctx)
		return fmt.Errorf("prepare: %w", err)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		db.Close(ctx)
		return fmt.Errorf("begin: %w", err)
	}

	for _, row := range w.pending {
		if _, err := tx.Exec(ctx, row.File.Table.Name, row.Args()...); err != nil {
			db.Close(ctx)
			return fmt.Errorf("replay exec %s: %w", row.File.Table.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		db.Close(ctx)
		return fmt.Errorf("replay commit: %w", err)
	}

	w.db = db
	w.tx = nil
	w.pending = w.pending[:0]
	w.state = Connected
	w.logger.Info("writer: reconnected and replayed pending rows")
	return nil
}

// prepareAll prepares one named statement per table, named after the
// table, so later Exec calls can refer to it by name instead of resending
// the SQL text every time.
func (w *Writer) prepareAll(ctx context.Context, db conn) error {
	var errs []error
	for _, t := range w.tables {
		if _, err := db.Prepare(ctx, t.Name, t.PositionalSQL); err != nil {
			errs = append(errs, fmt.Errorf("table %s: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}
