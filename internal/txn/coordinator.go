// Package txn turns sequences of logical mutations into atomic frames on the
// log. The Coordinator wraps the writer's raw appends with begin/commit/
// rollback bookkeeping and a managed RunInTransaction combinator that can
// never leave a frame dangling on the happy path or on failure.
package txn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/morphic-labs/imagewal/internal/codec"
	"github.com/morphic-labs/imagewal/internal/domain"
	"github.com/morphic-labs/imagewal/pkg/log"
)

// Appender is the writer capability the coordinator needs. *wal.Writer
// satisfies it; tests substitute failing implementations.
type Appender interface {
	Append(e domain.Entry) (uint64, error)
}

// Strictness controls how concurrent transactions are rejected.
type Strictness int

const (
	// StrictSingle rejects Begin while any transaction is open. The
	// default, matching the one-in-flight-frame ownership rule.
	StrictSingle Strictness = iota

	// AllowInterleavedTags permits transactions with distinct tags to
	// interleave on the log. Same-tag reentrancy is still rejected.
	AllowInterleavedTags
)

// Coordinator owns at most one in-flight frame per tag (and, in strict mode,
// at most one overall). A second conflicting Begin fails immediately; it
// does not queue.
type Coordinator struct {
	mu     sync.Mutex
	w      Appender
	strict Strictness
	logger log.Logger
	open   map[string]*Tx
}

// New creates a Coordinator writing through w.
func New(w Appender, strict Strictness, logger log.Logger) *Coordinator {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Coordinator{
		w:      w,
		strict: strict,
		logger: logger,
		open:   make(map[string]*Tx),
	}
}

// Tx is the handle for one open frame.
type Tx struct {
	c        *Coordinator
	tag      string
	beginSeq uint64
	done     bool
}

// Tag returns the frame's tag.
func (t *Tx) Tag() string { return t.tag }

// BeginSequence returns the sequence of the frame's BEGIN record.
func (t *Tx) BeginSequence() uint64 { return t.beginSeq }

// Begin opens a frame for tag by writing its BEGIN record. It fails with
// ErrTransactionActive, writing no bytes, if a conflicting transaction is
// already open.
func (c *Coordinator) Begin(tag string) (*Tx, error) {
	if err := codec.ValidateTag(tag); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.open[tag]; ok {
		return nil, fmt.Errorf("%w: tag %q", domain.ErrTransactionActive, tag)
	}
	if c.strict == StrictSingle && len(c.open) > 0 {
		for other := range c.open {
			return nil, fmt.Errorf("%w: %q is open", domain.ErrTransactionActive, other)
		}
	}

	seq, err := c.w.Append(domain.Entry{Kind: domain.KindBegin, Tag: tag})
	if err != nil {
		return nil, fmt.Errorf("begin %q: %w", tag, err)
	}

	tx := &Tx{c: c, tag: tag, beginSeq: seq}
	c.open[tag] = tx
	c.logger.Debug("transaction begun", log.String("tag", tag), log.Uint64("sequence", seq))
	return tx, nil
}

// Append writes a DATA entry to the open frame. If the underlying write
// fails, a best-effort ABORT is recorded and the handle is dead; the caller
// receives ErrTransactionIO.
func (t *Tx) Append(payload []byte) error {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.done {
		return fmt.Errorf("%w: tag %q", domain.ErrNoActiveTransaction, t.tag)
	}

	if _, err := c.w.Append(domain.Entry{Kind: domain.KindData, Tag: t.tag, Payload: payload}); err != nil {
		c.abandonLocked(t, err)
		return fmt.Errorf("%w: append to %q: %v", domain.ErrTransactionIO, t.tag, err)
	}
	return nil
}

// Commit writes the END record, making the frame complete and durable.
// Committing a resolved handle is a caller bug, reported as
// ErrNoActiveTransaction rather than silently ignored.
func (t *Tx) Commit() error {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.done {
		return fmt.Errorf("%w: tag %q", domain.ErrNoActiveTransaction, t.tag)
	}

	seq, err := c.w.Append(domain.Entry{Kind: domain.KindEnd, Tag: t.tag})
	if err != nil {
		// No END landed; the frame is dangling and the next scan will
		// classify it incomplete. The handle is dead either way.
		t.done = true
		delete(c.open, t.tag)
		return fmt.Errorf("%w: commit %q: %v", domain.ErrTransactionIO, t.tag, err)
	}
	t.done = true
	delete(c.open, t.tag)
	c.logger.Debug("transaction committed", log.String("tag", t.tag), log.Uint64("sequence", seq))
	return nil
}

// Rollback writes an ABORT record; replay treats the frame as absent.
func (t *Tx) Rollback() error {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbackLocked(t)
}

func (c *Coordinator) rollbackLocked(t *Tx) error {
	if t.done {
		return fmt.Errorf("%w: tag %q", domain.ErrNoActiveTransaction, t.tag)
	}
	t.done = true
	delete(c.open, t.tag)

	if _, err := c.w.Append(domain.Entry{Kind: domain.KindAbort, Tag: t.tag}); err != nil {
		return fmt.Errorf("%w: abort %q: %v", domain.ErrTransactionIO, t.tag, err)
	}
	c.logger.Debug("transaction rolled back", log.String("tag", t.tag))
	return nil
}

// abandonLocked resolves a frame after a mid-transaction write failure: the
// handle is dead, and an ABORT is attempted so the next scan sees an
// explicit terminal record. If even the abort write fails, the dangling
// BEGIN is classified incomplete on the next startup.
func (c *Coordinator) abandonLocked(t *Tx, cause error) {
	t.done = true
	delete(c.open, t.tag)
	if _, err := c.w.Append(domain.Entry{Kind: domain.KindAbort, Tag: t.tag}); err != nil {
		c.logger.Error("abort write failed after transaction I/O failure; frame left dangling",
			log.String("tag", t.tag), log.Err(err), log.Any("cause", cause))
		return
	}
	c.logger.Warn("transaction aborted after write failure", log.String("tag", t.tag), log.Err(cause))
}

// Mark writes a standalone MARK annotation outside any frame.
func (c *Coordinator) Mark(tag string, payload []byte) (uint64, error) {
	if err := codec.ValidateTag(tag); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Append(domain.Entry{Kind: domain.KindMark, Tag: tag, Payload: payload})
}

// ActiveCount returns the number of open transactions.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// RunInTransaction begins a frame for tag, writes metadata as its first DATA
// entry when non-empty, invokes body, and commits on normal return. If body
// returns an error or panics, the frame is rolled back (and the panic
// re-raised). The frame is never left open on any path body can take.
func (c *Coordinator) RunInTransaction(tag string, metadata []byte, body func(*Tx) error) (err error) {
	tx, err := c.Begin(tag)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if !tx.done {
				if rbErr := tx.Rollback(); rbErr != nil {
					c.logger.Error("rollback during panic failed", log.String("tag", tag), log.Err(rbErr))
				}
			}
			panic(r)
		}
	}()

	if len(metadata) > 0 {
		if err := tx.Append(metadata); err != nil {
			// Append already abandoned the frame.
			return err
		}
	}

	if err := body(tx); err != nil {
		if !tx.done {
			if rbErr := tx.Rollback(); rbErr != nil {
				return errors.Join(err, rbErr)
			}
		}
		return err
	}
	if tx.done {
		// body resolved the handle itself; nothing left to commit.
		return fmt.Errorf("%w: tag %q resolved inside body", domain.ErrNoActiveTransaction, tag)
	}
	return tx.Commit()
}
