// Package catalog is the durable SQL-backed index of Apps, Releases,
// Deltas, and Groups. All access is serialized through a single dedicated
// writer goroutine so that exactly one goroutine ever holds the
// database/sql connection at a time, mirroring the teacher's
// single-owner-thread idiom for shared mutable state (see
// internal/blossom.Client's bounded-worker pattern, generalized here into
// a single-slot worker instead of a semaphore pool).
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrReentrantCall is returned when a closure running on the catalog's
// writer goroutine tries to submit another closure to the same catalog
// instance: the writer is single-threaded, so a nested call would
// deadlock waiting for itself.
var ErrReentrantCall = errors.New("catalog: reentrant call from within writer goroutine")

type ctxKey struct{}

// onWriter marks a context as already running on the catalog's writer
// goroutine, so nested Transact calls can detect reentrancy instead of
// deadlocking.
func onWriter(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, true)
}

func isOnWriter(ctx context.Context) bool {
	v, _ := ctx.Value(ctxKey{}).(bool)
	return v
}

// job is a unit of work submitted to the writer goroutine.
type job struct {
	ctx  context.Context
	fn   func(ctx context.Context, q *Queries) error
	done chan error
}

// Catalog owns the one SQL connection used by the repository engine.
type Catalog struct {
	db     *sql.DB
	jobs   chan job
	quit   chan struct{}
	closed chan struct{}
}

// Open opens (creating if absent) the sqlite database at path, runs
// migrations, configures WAL journaling with synchronous=FULL, and starts
// the dedicated writer goroutine.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// The writer goroutine is the only caller of db methods that matter for
	// correctness, but database/sql pools connections internally; pin it to
	// one so WAL writer semantics match the single-writer design exactly.
	db.SetMaxOpenConns(1)

	c := &Catalog{
		db:     db,
		jobs:   make(chan job),
		quit:   make(chan struct{}),
		closed: make(chan struct{}),
	}

	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = FULL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous=FULL: %w", err)
	}

	go c.run()
	return c, nil
}

func (c *Catalog) run() {
	defer close(c.closed)
	for {
		select {
		case j := <-c.jobs:
			j.done <- c.runJob(j)
		case <-c.quit:
			return
		}
	}
}

func (c *Catalog) runJob(j job) (err error) {
	tx, err := c.db.BeginTx(j.ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	q := &Queries{tx: tx}
	defer func() {
		if r := recover(); r != nil {
			q.runCompensations()
			tx.Rollback()
			err = fmt.Errorf("catalog transaction panicked: %v", r)
		}
	}()

	writerCtx := onWriter(j.ctx)
	if err = j.fn(writerCtx, q); err != nil {
		q.runCompensations()
		tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		q.runCompensations()
		return fmt.Errorf("commit transaction: %w", err)
	}
	q.clearCompensations()
	return nil
}

// Transact submits fn to run on the writer goroutine inside a single SQL
// transaction. If fn returns an error (or panics), the transaction is
// rolled back and every compensation registered via Queries.OnRollback
// runs in reverse order, deleting any files the failed attempt had already
// placed on disk. ctx must not already be a context returned from a
// nested Transact call on the same Catalog; doing so returns
// ErrReentrantCall rather than deadlocking.
func (c *Catalog) Transact(ctx context.Context, fn func(ctx context.Context, q *Queries) error) error {
	if isOnWriter(ctx) {
		return ErrReentrantCall
	}
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case c.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return errors.New("catalog: closed")
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close runs wal_checkpoint(TRUNCATE) so the database file is
// self-contained, then stops the writer goroutine and closes the
// connection.
func (c *Catalog) Close() error {
	close(c.quit)
	<-c.closed
	if _, err := c.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE);`); err != nil {
		c.db.Close()
		return fmt.Errorf("checkpoint on close: %w", err)
	}
	return c.db.Close()
}
