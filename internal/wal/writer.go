// Package wal implements the durable, ordered, single-writer append side of
// the log. Every successful append is flushed to stable storage before the
// call returns, so an acknowledged entry survives a process crash
// immediately afterwards.
package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/morphic-labs/imagewal/internal/codec"
	"github.com/morphic-labs/imagewal/internal/domain"
	"github.com/morphic-labs/imagewal/internal/scan"
	"github.com/morphic-labs/imagewal/pkg/log"
)

// SyncMode defines how appends are flushed to disk.
type SyncMode string

const (
	// SyncAlways fsyncs after every append. Highest durability; the default.
	SyncAlways SyncMode = "always"

	// SyncDisabled skips fsync. For tests and benchmarks only.
	SyncDisabled SyncMode = "disabled"
)

// Options holds configuration for opening a Writer.
type Options struct {
	// SyncMode controls flushing; zero value means SyncAlways.
	SyncMode SyncMode

	// Logger receives structured write-path events. Defaults to a no-op.
	Logger log.Logger
}

// Writer owns the open log handle and the sequence counter. Exactly one
// Writer per log file per process; a lock file enforces the single-writer
// invariant across processes. Callers serialize use; the Writer still guards
// itself with a mutex and fails loudly on external modification rather than
// silently interleaving bytes.
type Writer struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	seq     uint64
	size    int64
	opts    Options
	logger  log.Logger
	release func() error
	closed  bool
	damaged error

	testingOnlyInjectAppendError error
	testingOnlyInjectShortWrite  error
}

// Open opens the log at path for appending, creating it if absent. For an
// existing log the tail is scanned to recover the next sequence value; a
// crash-truncated partial trailing record is trimmed. Unparseable bytes fail
// the open with ErrLogCorrupt.
func Open(path string, opts Options) (*Writer, error) {
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAlways
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	release, err := acquireLock(path)
	if err != nil {
		return nil, err
	}

	w := &Writer{path: path, opts: opts, logger: logger, release: release}
	if err := w.openForAppend(); err != nil {
		release()
		return nil, err
	}
	return w, nil
}

func (w *Writer) openForAppend() error {
	if _, err := os.Stat(w.path); os.IsNotExist(err) {
		return w.createFresh()
	} else if err != nil {
		return fmt.Errorf("stat log %s: %w", w.path, err)
	}

	res, err := scan.File(w.path, w.logger)
	if err != nil {
		return fmt.Errorf("recover log %s: %w", w.path, err)
	}

	st, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("stat log %s: %w", w.path, err)
	}
	if st.Size() > res.CleanEnd {
		// Partial trailing record from a crash mid-append. The entry was
		// never acknowledged, so trimming it is safe.
		w.logger.Warn("trimming partial trailing record",
			log.String("path", w.path),
			log.Int64("file_size", st.Size()),
			log.Int64("clean_end", res.CleanEnd))
		if err := os.Truncate(w.path, res.CleanEnd); err != nil {
			return fmt.Errorf("trim partial tail of %s: %w", w.path, err)
		}
	}

	f, err := os.OpenFile(w.path, os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log %s for append: %w", w.path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("seek log %s: %w", w.path, err)
	}

	w.file = f
	w.seq = res.LastSeq
	w.size = res.CleanEnd
	w.logger.Info("log opened",
		log.String("path", w.path),
		log.Uint64("last_sequence", w.seq),
		log.Int("frames", len(res.Frames)),
		log.Int("diagnostics", len(res.Diagnostics)))
	return nil
}

// createFresh writes a new log with its header via a temp file and rename so
// a crash never leaves a headerless file behind.
func (w *Writer) createFresh() error {
	header := codec.EncodeHeader(0)
	tmp := w.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create log %s: %w", tmp, err)
	}
	if _, err := f.Write(header); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write log header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync new log: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install new log %s: %w", w.path, err)
	}
	if err := syncDir(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("sync log dir: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open new log %s: %w", w.path, err)
	}
	w.file = file
	w.seq = 0
	w.size = int64(len(header))
	w.logger.Info("log created", log.String("path", w.path))
	return nil
}

// syncDir flushes a directory's metadata so a rename into it survives a
// crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	syncErr := d.Sync()
	closeErr := d.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// Append encodes, writes, and (in SyncAlways mode) fsyncs a single entry,
// returning its assigned sequence. If Append returns successfully the entry
// is recoverable by any subsequent scan, even across a crash immediately
// after return.
func (w *Writer) Append(e domain.Entry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, domain.ErrWriterClosed
	}
	if w.damaged != nil {
		return 0, w.damaged
	}
	if w.testingOnlyInjectAppendError != nil {
		return 0, w.testingOnlyInjectAppendError
	}

	st, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat log %s: %w", w.path, err)
	}
	if st.Size() != w.size {
		return 0, fmt.Errorf("%w: %s is %d bytes, writer expected %d",
			domain.ErrExternalModification, w.path, st.Size(), w.size)
	}

	line, err := codec.Encode(e)
	if err != nil {
		return 0, err
	}

	toWrite := line
	if w.testingOnlyInjectShortWrite != nil {
		toWrite = line[:len(line)/2]
	}
	n, err := w.file.Write(toWrite)
	if err == nil && w.testingOnlyInjectShortWrite != nil {
		err = w.testingOnlyInjectShortWrite
	}
	if err != nil {
		// A failed write may have landed a prefix of the record. Left in
		// place it would merge with the next record into an unparseable
		// line, so trim the file back to the last whole record.
		if n > 0 {
			w.rollbackPartialWrite(n, err)
		}
		return 0, fmt.Errorf("append to %s: %w", w.path, err)
	}
	w.size += int64(n)
	w.seq++

	if w.opts.SyncMode == SyncAlways {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("sync %s: %w", w.path, err)
		}
	}

	w.logger.Debug("entry appended",
		log.String("kind", string(e.Kind)),
		log.String("tag", e.Tag),
		log.Uint64("sequence", w.seq))
	return w.seq, nil
}

// rollbackPartialWrite trims the bytes a failed write left at the tail,
// keeping the file parseable for the caller's follow-up ABORT and for the
// next scan. If the trim itself fails the writer refuses further appends:
// anything written after an unterminated record is unrecoverable.
func (w *Writer) rollbackPartialWrite(n int, cause error) {
	truncErr := w.file.Truncate(w.size)
	var seekErr error
	if truncErr == nil {
		_, seekErr = w.file.Seek(w.size, io.SeekStart)
	}
	if truncErr == nil && seekErr == nil {
		w.logger.Warn("rolled back partial append",
			log.String("path", w.path), log.Int("bytes", n), log.Err(cause))
		return
	}

	err := truncErr
	if err == nil {
		err = seekErr
	}
	w.damaged = fmt.Errorf("%w: %d partial bytes at tail of %s could not be rolled back: %v",
		domain.ErrLogCorrupt, n, w.path, err)
	w.logger.Error("failed to roll back partial append, writer disabled",
		log.String("path", w.path), log.Int("bytes", n), log.Err(err))
}

// Sync flushes outstanding writes to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return domain.ErrWriterClosed
	}
	return w.file.Sync()
}

// LastSequence returns the sequence of the most recently appended entry.
func (w *Writer) LastSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the log file path.
func (w *Writer) Path() string { return w.path }

// Close flushes and releases the log handle and the writer lock. Close is
// idempotent and must run on all exit paths.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	releaseErr := w.release()

	if syncErr != nil {
		return syncErr
	}
	if closeErr != nil {
		return closeErr
	}
	if releaseErr != nil {
		return releaseErr
	}
	w.logger.Info("log closed", log.String("path", w.path), log.Uint64("last_sequence", w.seq))
	return nil
}

// SetTestingOnlyInjectAppendError makes subsequent Appends fail with err.
func (w *Writer) SetTestingOnlyInjectAppendError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.testingOnlyInjectAppendError = err
}

// SetTestingOnlyInjectShortWrite makes subsequent Appends write only a prefix
// of the record and then fail with err, simulating a device filling up
// mid-write.
func (w *Writer) SetTestingOnlyInjectShortWrite(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.testingOnlyInjectShortWrite = err
}
