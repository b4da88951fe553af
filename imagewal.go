// Package imagewal provides a transactional write-ahead log for image
// index state.
//
// Example usage:
//
//	wal, err := imagewal.Open("/data/index.wal")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer wal.Close()
//
//	err = wal.RunInTransaction("ingest-batch-7", nil, func(tx *imagewal.Tx) error {
//	    return tx.Append([]byte("add sha256:abc123 /images/cat.png"))
//	})
package imagewal

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/morphic-labs/imagewal/internal/domain"
	"github.com/morphic-labs/imagewal/internal/replay"
	"github.com/morphic-labs/imagewal/internal/scan"
	"github.com/morphic-labs/imagewal/internal/snapshot"
	"github.com/morphic-labs/imagewal/internal/txn"
	"github.com/morphic-labs/imagewal/internal/wal"
	"github.com/morphic-labs/imagewal/pkg/log"
)

// Entry is a single log record.
type Entry = domain.Entry

// Frame is a classified group of records between a BEGIN and its terminal
// record.
type Frame = domain.Frame

// FrameStatus classifies a frame as complete, incomplete, or aborted.
type FrameStatus = domain.FrameStatus

// Frame statuses.
const (
	StatusComplete   = domain.StatusComplete
	StatusIncomplete = domain.StatusIncomplete
	StatusAborted    = domain.StatusAborted
)

// Tx is the handle for one open transaction.
type Tx = txn.Tx

// ApplySink receives complete frames during replay.
type ApplySink = replay.ApplySink

// ApplyFunc adapts a plain function to ApplySink.
type ApplyFunc = replay.ApplyFunc

// Report summarizes a replay pass.
type Report = replay.Report

// ReplayOptions configures a replay pass.
type ReplayOptions = replay.Options

// ScanResult is the outcome of scanning a whole log file.
type ScanResult = scan.Result

// Diagnostic describes an anomaly observed while scanning.
type Diagnostic = scan.Diagnostic

// SnapshotRef identifies a durable snapshot.
type SnapshotRef = snapshot.Ref

// SyncMode defines how appends are flushed to disk.
type SyncMode = wal.SyncMode

// Sync modes.
const (
	SyncAlways   = wal.SyncAlways
	SyncDisabled = wal.SyncDisabled
)

// Sentinel errors. Match with errors.Is.
var (
	ErrLogCorrupt           = domain.ErrLogCorrupt
	ErrTransactionActive    = domain.ErrTransactionActive
	ErrNoActiveTransaction  = domain.ErrNoActiveTransaction
	ErrTransactionIO        = domain.ErrTransactionIO
	ErrSnapshotOrdering     = domain.ErrSnapshotOrdering
	ErrNoSnapshot           = domain.ErrNoSnapshot
	ErrInvalidTag           = domain.ErrInvalidTag
	ErrWriterClosed         = domain.ErrWriterClosed
	ErrLogLocked            = domain.ErrLogLocked
	ErrExternalModification = domain.ErrExternalModification
)

// options collects the Open configuration.
type options struct {
	logger      log.Logger
	syncMode    SyncMode
	strictness  txn.Strictness
	snapshotDir string
	retain      int
}

// Option configures Open.
type Option func(*options)

// WithLogger routes structured events to logger instead of discarding them.
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSyncMode overrides the default always-fsync flushing.
func WithSyncMode(m SyncMode) Option {
	return func(o *options) { o.syncMode = m }
}

// WithInterleavedTags permits transactions with distinct tags to interleave
// on the log. The default admits one transaction at a time.
func WithInterleavedTags() Option {
	return func(o *options) { o.strictness = txn.AllowInterleavedTags }
}

// WithSnapshotDir sets where snapshot artifacts live. Defaults to a
// "snapshots" directory beside the log file.
func WithSnapshotDir(dir string) Option {
	return func(o *options) { o.snapshotDir = dir }
}

// WithSnapshotRetention sets how many snapshots are kept.
func WithSnapshotRetention(n int) Option {
	return func(o *options) { o.retain = n }
}

// Log is an open write-ahead log: the single writer, its transaction
// coordinator, and the snapshot manager for the log's snapshot directory.
type Log struct {
	w      *wal.Writer
	coord  *txn.Coordinator
	snaps  *snapshot.Manager
	logger log.Logger
}

// Open opens the log at path for writing, creating it if absent. An existing
// log is scanned to recover the sequence counter; a crash-truncated trailing
// record is trimmed. Exactly one open Log per file: a second Open fails with
// ErrLogLocked until Close.
func Open(path string, opts ...Option) (*Log, error) {
	o := options{logger: log.NewNoopLogger(), syncMode: SyncAlways}
	for _, fn := range opts {
		fn(&o)
	}
	if o.snapshotDir == "" {
		o.snapshotDir = defaultSnapshotDir(path)
	}

	w, err := wal.Open(path, wal.Options{SyncMode: o.syncMode, Logger: o.logger})
	if err != nil {
		return nil, err
	}
	snaps, err := snapshot.NewManager(o.snapshotDir, snapshot.Options{Retain: o.retain, Logger: o.logger})
	if err != nil {
		w.Close()
		return nil, err
	}

	return &Log{
		w:      w,
		coord:  txn.New(w, o.strictness, o.logger),
		snaps:  snaps,
		logger: o.logger,
	}, nil
}

func defaultSnapshotDir(logPath string) string {
	return filepath.Join(filepath.Dir(logPath), "snapshots")
}

// Begin opens a transaction for tag. It fails with ErrTransactionActive if a
// conflicting transaction is already open; nothing is written in that case.
func (l *Log) Begin(tag string) (*Tx, error) {
	return l.coord.Begin(tag)
}

// RunInTransaction wraps body in a transaction for tag: committed on normal
// return, rolled back if body errors or panics. When metadata is non-empty it
// is written as the frame's first entry.
func (l *Log) RunInTransaction(tag string, metadata []byte, body func(*Tx) error) error {
	return l.coord.RunInTransaction(tag, metadata, body)
}

// Mark writes a standalone annotation record outside any transaction.
func (l *Log) Mark(tag string, payload []byte) (uint64, error) {
	return l.coord.Mark(tag, payload)
}

// LastSequence returns the sequence of the most recently appended entry.
func (l *Log) LastSequence() uint64 {
	return l.w.LastSequence()
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.w.Path()
}

// TakeSnapshot records state as covering everything up to the last appended
// entry. It is rejected while a transaction is open: a snapshot must sit on a
// frame boundary.
func (l *Log) TakeSnapshot(state []byte) (SnapshotRef, error) {
	if n := l.coord.ActiveCount(); n > 0 {
		return SnapshotRef{}, fmt.Errorf("%w: %d transaction(s) open", ErrTransactionActive, n)
	}
	if err := l.w.Sync(); err != nil {
		return SnapshotRef{}, err
	}
	return l.snaps.Take(state, l.w.LastSequence())
}

// Snapshots lists the durable snapshots for this log, oldest first.
func (l *Log) Snapshots() ([]SnapshotRef, error) {
	return l.snaps.List()
}

// Close flushes and releases the log. Close is idempotent.
func (l *Log) Close() error {
	return l.w.Close()
}

// Scan reads the whole log at path and classifies its frames without
// touching the file. On fatal corruption the partial result is returned
// together with an ErrLogCorrupt error.
func Scan(path string, logger log.Logger) (*ScanResult, error) {
	return scan.File(path, logger)
}

// ListCompleteFrames returns only the complete frames of the log at path, in
// the order their BEGIN records appear.
func ListCompleteFrames(path string, logger log.Logger) ([]Frame, error) {
	return scan.ListComplete(path, logger)
}

// Replay feeds the log's complete frames to sink in order. See
// ReplayOptions for snapshot-based suffix replay and error policy.
func Replay(path string, sink ApplySink, opts ReplayOptions) (*Report, error) {
	return replay.Run(path, sink, opts)
}

// SeedSink is an ApplySink that can additionally be seeded from a snapshot.
type SeedSink interface {
	ApplySink

	// Seed resets the sink's state to a snapshot taken at sequence atSeq.
	Seed(state []byte, atSeq uint64) error
}

// Recover rebuilds state into sink using the newest snapshot under
// snapshotDir (when one exists) plus a replay of the log suffix it does not
// cover. With no snapshot the whole log is replayed from empty state.
func Recover(logPath, snapshotDir string, sink SeedSink, logger log.Logger) (*Report, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	snaps, err := snapshot.NewManager(snapshotDir, snapshot.Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	var from uint64
	state, atSeq, err := snaps.LoadLatest()
	switch {
	case err == nil:
		if err := sink.Seed(state, atSeq); err != nil {
			return nil, fmt.Errorf("seed from snapshot at %d: %w", atSeq, err)
		}
		from = atSeq
	case errors.Is(err, ErrNoSnapshot):
		// Full replay from empty state.
	default:
		return nil, err
	}

	return replay.Run(logPath, sink, replay.Options{FromSequence: from, Logger: logger})
}

// TruncateLogBefore drops log entries with sequence strictly below seq,
// provided a snapshot under snapshotDir covers them and no writer holds the
// log. Retained entries keep their sequence numbers.
func TruncateLogBefore(logPath, snapshotDir string, seq uint64, logger log.Logger) error {
	snaps, err := snapshot.NewManager(snapshotDir, snapshot.Options{Logger: logger})
	if err != nil {
		return err
	}
	return snaps.TruncateLogBefore(logPath, seq)
}
