// Package snapshot bounds log growth and speeds up recovery. A snapshot is
// a gzip-compressed full-state serialization taken at a frame boundary,
// tagged with the sequence of the last log entry it incorporates. The log
// may then be truncated up to a sequence covered by a durable snapshot, and
// never further.
package snapshot

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/morphic-labs/imagewal/internal/codec"
	"github.com/morphic-labs/imagewal/internal/domain"
	"github.com/morphic-labs/imagewal/internal/scan"
	"github.com/morphic-labs/imagewal/internal/wal"
	"github.com/morphic-labs/imagewal/pkg/log"
)

const (
	snapshotPrefix = "snap-"
	snapshotSuffix = ".img.gz"

	// DefaultRetain is how many historical snapshots are kept.
	DefaultRetain = 3
)

// Ref identifies a durable snapshot.
type Ref struct {
	// Path is the snapshot file.
	Path string

	// AtSequence is the sequence of the last log entry the snapshot
	// incorporates.
	AtSequence uint64
}

// Options holds configuration for a Manager.
type Options struct {
	// Retain is how many snapshots to keep; older ones are pruned after a
	// successful Take. Zero means DefaultRetain.
	Retain int

	// Logger receives snapshot events. Defaults to a no-op.
	Logger log.Logger
}

// Manager owns a directory of snapshot artifacts.
type Manager struct {
	dir    string
	retain int
	logger log.Logger
}

// NewManager creates a Manager over dir, creating the directory if absent.
func NewManager(dir string, opts Options) (*Manager, error) {
	if opts.Retain <= 0 {
		opts.Retain = DefaultRetain
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot dir %s: %w", dir, err)
	}
	return &Manager{dir: dir, retain: opts.Retain, logger: opts.Logger}, nil
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

func snapshotFileName(atSeq uint64) string {
	return fmt.Sprintf("%s%020d%s", snapshotPrefix, atSeq, snapshotSuffix)
}

func parseSnapshotFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
		return 0, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix)
	seq, err := strconv.ParseUint(mid, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Take serializes state as the snapshot covering everything up to and
// including atSeq. The artifact is written gzip-compressed to a temp file,
// synced, and renamed into place so a crash never leaves a half-written
// snapshot behind. Older snapshots beyond the retention count are pruned.
// Callers must only invoke Take at a frame boundary.
func (m *Manager) Take(state []byte, atSeq uint64) (Ref, error) {
	path := filepath.Join(m.dir, snapshotFileName(atSeq))
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return Ref{}, fmt.Errorf("create snapshot %s: %w", tmp, err)
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(state); err != nil {
		zw.Close()
		f.Close()
		os.Remove(tmp)
		return Ref{}, fmt.Errorf("write snapshot %s: %w", tmp, err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return Ref{}, fmt.Errorf("finish snapshot %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return Ref{}, fmt.Errorf("sync snapshot %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return Ref{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Ref{}, fmt.Errorf("install snapshot %s: %w", path, err)
	}
	// The dirent must be durable before callers may truncate the log on the
	// strength of this snapshot.
	if err := syncDir(m.dir); err != nil {
		return Ref{}, fmt.Errorf("sync snapshot dir %s: %w", m.dir, err)
	}

	m.logger.Info("snapshot taken", log.String("path", path), log.Uint64("at_sequence", atSeq))
	m.prune()
	return Ref{Path: path, AtSequence: atSeq}, nil
}

// List returns all snapshots, oldest first.
func (m *Manager) List() ([]Ref, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir %s: %w", m.dir, err)
	}
	var refs []Ref
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if seq, ok := parseSnapshotFileName(e.Name()); ok {
			refs = append(refs, Ref{Path: filepath.Join(m.dir, e.Name()), AtSequence: seq})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].AtSequence < refs[j].AtSequence })
	return refs, nil
}

// LoadLatest reads the newest snapshot, returning the decompressed state and
// the sequence it covers. Returns ErrNoSnapshot when none exists.
func (m *Manager) LoadLatest() ([]byte, uint64, error) {
	refs, err := m.List()
	if err != nil {
		return nil, 0, err
	}
	if len(refs) == 0 {
		return nil, 0, domain.ErrNoSnapshot
	}
	latest := refs[len(refs)-1]

	f, err := os.Open(latest.Path)
	if err != nil {
		return nil, 0, fmt.Errorf("open snapshot %s: %w", latest.Path, err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, 0, fmt.Errorf("read snapshot %s: %w", latest.Path, err)
	}
	defer zr.Close()
	state, err := io.ReadAll(zr)
	if err != nil {
		return nil, 0, fmt.Errorf("decompress snapshot %s: %w", latest.Path, err)
	}
	return state, latest.AtSequence, nil
}

// prune removes snapshots beyond the retention count, oldest first.
// Failures are logged and otherwise ignored; pruning is best-effort.
func (m *Manager) prune() {
	refs, err := m.List()
	if err != nil {
		m.logger.Error("snapshot prune skipped", log.Err(err))
		return
	}
	for len(refs) > m.retain {
		victim := refs[0]
		refs = refs[1:]
		if err := os.Remove(victim.Path); err != nil {
			m.logger.Error("failed to prune snapshot", log.String("path", victim.Path), log.Err(err))
			continue
		}
		m.logger.Info("pruned snapshot", log.String("path", victim.Path), log.Uint64("at_sequence", victim.AtSequence))
	}
}

// TruncateLogBefore removes log entries with sequence strictly below seq,
// rewriting the log with an updated base-sequence header via a temp file
// and rename. It is rejected with ErrSnapshotOrdering unless a durable
// snapshot covers sequence seq-1, and refuses to run while a writer holds
// the log's lock or if the cut would split a frame.
func (m *Manager) TruncateLogBefore(logPath string, seq uint64) error {
	if seq <= 1 {
		return nil // nothing strictly before the first entry
	}
	if wal.Locked(logPath) {
		return fmt.Errorf("%w: cannot truncate %s while a writer is open", domain.ErrLogLocked, logPath)
	}

	refs, err := m.List()
	if err != nil {
		return err
	}
	var covered bool
	for _, r := range refs {
		if r.AtSequence >= seq-1 {
			covered = true
			break
		}
	}
	if !covered {
		return fmt.Errorf("%w: no snapshot at sequence >= %d", domain.ErrSnapshotOrdering, seq-1)
	}

	res, err := scan.File(logPath, m.logger)
	if err != nil {
		return err
	}
	for _, fr := range res.Frames {
		if fr.FirstSeq < seq && fr.LastSeq >= seq {
			return fmt.Errorf("%w: cut at %d splits frame %q (seq %d..%d)",
				domain.ErrSnapshotOrdering, seq, fr.Tag, fr.FirstSeq, fr.LastSeq)
		}
	}

	// Copy the retained records verbatim. Sequences are positional, so
	// keeping the suffix lines byte-for-byte under a base=seq-1 header
	// preserves every retained entry's sequence number.
	src, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("open log %s: %w", logPath, err)
	}
	defer src.Close()

	tmp := logPath + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create truncated log %s: %w", tmp, err)
	}
	if _, err := dst.Write(codec.EncodeHeader(seq - 1)); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("write truncated log header: %w", err)
	}

	r := bufio.NewReaderSize(src, 64*1024)
	if _, err := r.ReadBytes('\n'); err != nil { // skip original header
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("read log header: %w", err)
	}
	cur := res.Base
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			break // partial tail, if any, was never acknowledged
		}
		if err != nil {
			dst.Close()
			os.Remove(tmp)
			return fmt.Errorf("read log %s: %w", logPath, err)
		}
		cur++
		if cur < seq {
			continue
		}
		if _, err := dst.Write(line); err != nil {
			dst.Close()
			os.Remove(tmp)
			return fmt.Errorf("write truncated log: %w", err)
		}
	}

	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync truncated log: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, logPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install truncated log %s: %w", logPath, err)
	}
	if err := syncDir(filepath.Dir(logPath)); err != nil {
		return fmt.Errorf("sync log dir: %w", err)
	}

	m.logger.Info("log truncated", log.String("path", logPath), log.Uint64("before_sequence", seq))
	return nil
}
