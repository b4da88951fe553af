// Package scan implements the forward pass over a log file that groups
// records into frames and classifies each frame as complete, incomplete, or
// aborted. The scanner never stops at the first bad record: diagnostics are
// collected and returned alongside the frames that could be recovered, and
// fatal corruption is reported with the byte offset of the offending record.
package scan

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/morphic-labs/imagewal/internal/codec"
	"github.com/morphic-labs/imagewal/internal/domain"
	"github.com/morphic-labs/imagewal/pkg/log"
)

// Diagnostic describes an anomaly observed while scanning.
type Diagnostic struct {
	// Offset is the byte offset of the offending record in the file.
	Offset int64

	// Tag is the tag involved, when one could be parsed.
	Tag string

	// Msg is a human-readable description.
	Msg string

	// Fatal marks unparseable bytes (log corruption) as opposed to
	// recoverable conditions such as a crash-truncated trailing record.
	Fatal bool
}

// slot is a frame under construction, kept in BEGIN order so frames are
// emitted in the order their BEGIN records appear regardless of when they
// resolve.
type slot struct {
	frame    domain.Frame
	resolved bool
}

// Scanner streams classified frames out of a log file. Frames are produced
// lazily in BEGIN order; the scan is finite and not restartable mid-stream
// (open a new Scanner to rescan).
type Scanner struct {
	f      *os.File
	r      *bufio.Reader
	logger log.Logger

	base     uint64
	seq      uint64
	offset   int64
	cleanEnd int64

	slots []*slot
	open  map[string]*slot
	diags []Diagnostic

	eof      bool
	fatalOff int64
	fatal    bool
}

// Open starts a scan of the log at path. It reads and validates the header
// line; a missing or malformed header is fatal corruption.
func Open(path string, logger log.Logger) (*Scanner, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Scanner{
		f:      f,
		r:      bufio.NewReaderSize(f, 64*1024),
		logger: logger,
		open:   make(map[string]*slot),
	}

	line, err := s.r.ReadBytes('\n')
	if err != nil {
		f.Close()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: missing or truncated header in %s", domain.ErrLogCorrupt, path)
		}
		return nil, err
	}
	base, err := codec.DecodeHeader(line[:len(line)-1])
	if err != nil {
		f.Close()
		return nil, err
	}
	s.base = base
	s.seq = base
	s.offset = int64(len(line))
	s.cleanEnd = s.offset
	return s, nil
}

// Next returns the next classified frame in BEGIN order. It returns io.EOF
// when the log is exhausted. Anomalies encountered along the way are
// available via Diagnostics and Err after the scan.
func (s *Scanner) Next() (domain.Frame, error) {
	for {
		if len(s.slots) > 0 && s.slots[0].resolved {
			fr := s.slots[0].frame
			s.slots = s.slots[1:]
			return fr, nil
		}
		if s.eof {
			if len(s.slots) == 0 {
				return domain.Frame{}, io.EOF
			}
			// resolveRemaining marked everything; loop emits the head.
			continue
		}
		s.step()
	}
}

// step consumes one record line and updates frame state.
func (s *Scanner) step() {
	line, err := s.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF {
			if len(line) > 0 {
				// Crash-truncated final write: a record without its
				// terminating newline. Recoverable; never applied.
				s.diag(Diagnostic{Offset: s.offset, Msg: "truncated trailing record", Fatal: false})
			}
			s.finish()
			return
		}
		s.diag(Diagnostic{Offset: s.offset, Msg: fmt.Sprintf("read error: %v", err), Fatal: true})
		s.finish()
		return
	}

	lineStart := s.offset
	s.offset += int64(len(line))

	entry, err := codec.Decode(line[:len(line)-1])
	if err != nil {
		s.diag(Diagnostic{Offset: lineStart, Msg: err.Error(), Fatal: true})
		return
	}
	s.seq++
	entry.Sequence = s.seq
	if !s.fatal {
		s.cleanEnd = s.offset
	}

	switch entry.Kind {
	case domain.KindBegin:
		if prev, ok := s.open[entry.Tag]; ok {
			// Crash-recovery policy: prefer availability. The earlier
			// occurrence is classified incomplete and a fresh frame opens.
			prev.frame.Status = domain.StatusIncomplete
			prev.resolved = true
			delete(s.open, entry.Tag)
			s.diag(Diagnostic{Offset: lineStart, Tag: entry.Tag, Msg: "BEGIN for already-open tag; prior frame classified incomplete"})
		}
		sl := &slot{frame: domain.Frame{
			Tag:      entry.Tag,
			Status:   domain.StatusIncomplete,
			FirstSeq: entry.Sequence,
			LastSeq:  entry.Sequence,
		}}
		s.slots = append(s.slots, sl)
		s.open[entry.Tag] = sl

	case domain.KindData:
		sl, ok := s.open[entry.Tag]
		if !ok {
			s.diag(Diagnostic{Offset: lineStart, Tag: entry.Tag, Msg: "orphaned DATA record for unopened tag"})
			return
		}
		sl.frame.Entries = append(sl.frame.Entries, entry)
		sl.frame.LastSeq = entry.Sequence

	case domain.KindEnd, domain.KindAbort:
		sl, ok := s.open[entry.Tag]
		if !ok {
			s.diag(Diagnostic{Offset: lineStart, Tag: entry.Tag, Msg: string(entry.Kind) + " without matching BEGIN"})
			return
		}
		sl.frame.LastSeq = entry.Sequence
		if entry.Kind == domain.KindEnd {
			sl.frame.Status = domain.StatusComplete
		} else {
			sl.frame.Status = domain.StatusAborted
		}
		sl.resolved = true
		delete(s.open, entry.Tag)

	case domain.KindMark:
		s.slots = append(s.slots, &slot{
			frame: domain.Frame{
				Tag:      entry.Tag,
				Entries:  []domain.Entry{entry},
				Status:   domain.StatusComplete,
				FirstSeq: entry.Sequence,
				LastSeq:  entry.Sequence,
			},
			resolved: true,
		})
	}
}

// finish marks end-of-stream and classifies any still-open frames as
// incomplete.
func (s *Scanner) finish() {
	s.eof = true
	for tag, sl := range s.open {
		sl.frame.Status = domain.StatusIncomplete
		sl.resolved = true
		delete(s.open, tag)
	}
}

func (s *Scanner) diag(d Diagnostic) {
	if d.Fatal {
		if !s.fatal {
			s.fatal = true
			s.fatalOff = d.Offset
		}
		s.logger.Error("log corruption", log.String("path", s.f.Name()), log.Int64("offset", d.Offset), log.String("detail", d.Msg))
	} else {
		s.logger.Warn("scan diagnostic", log.String("path", s.f.Name()), log.Int64("offset", d.Offset), log.String("tag", d.Tag), log.String("detail", d.Msg))
	}
	s.diags = append(s.diags, d)
}

// Diagnostics returns the anomalies observed so far.
func (s *Scanner) Diagnostics() []Diagnostic { return s.diags }

// Err returns ErrLogCorrupt (with the byte offset) if the scan hit
// unparseable bytes, nil otherwise. Meaningful once Next returned io.EOF.
func (s *Scanner) Err() error {
	if s.fatal {
		return fmt.Errorf("%w: unparseable record at byte offset %d in %s", domain.ErrLogCorrupt, s.fatalOff, s.f.Name())
	}
	return nil
}

// Base returns the base sequence from the log header.
func (s *Scanner) Base() uint64 { return s.base }

// LastSeq returns the sequence of the last successfully decoded record.
func (s *Scanner) LastSeq() uint64 { return s.seq }

// CleanEnd returns the byte offset just past the last record decoded before
// any corruption or truncation, i.e. the safe append point after a crash.
func (s *Scanner) CleanEnd() int64 { return s.cleanEnd }

// Close releases the underlying file.
func (s *Scanner) Close() error { return s.f.Close() }

// Result is the outcome of an eager scan of a whole log file.
type Result struct {
	// Base is the base sequence from the header.
	Base uint64

	// Frames holds every frame in BEGIN order, classified.
	Frames []domain.Frame

	// Diagnostics holds every anomaly observed.
	Diagnostics []Diagnostic

	// LastSeq is the sequence of the last successfully decoded record.
	LastSeq uint64

	// CleanEnd is the byte offset just past the last cleanly decoded record.
	CleanEnd int64
}

// Complete filters the result down to frames safe to apply, in log order.
func (r *Result) Complete() []domain.Frame {
	out := make([]domain.Frame, 0, len(r.Frames))
	for _, f := range r.Frames {
		if f.Complete() {
			out = append(out, f)
		}
	}
	return out
}

// File scans the whole log at path. On fatal corruption the partial Result
// is returned together with an ErrLogCorrupt error so callers can inspect
// what was recoverable while still refusing to proceed.
func File(path string, logger log.Logger) (*Result, error) {
	s, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	res := &Result{Base: s.Base()}
	for {
		fr, err := s.Next()
		if err == io.EOF {
			break
		}
		res.Frames = append(res.Frames, fr)
	}
	res.Diagnostics = s.Diagnostics()
	res.LastSeq = s.LastSeq()
	res.CleanEnd = s.CleanEnd()
	return res, s.Err()
}

// ListComplete returns only the COMPLETE frames of the log at path, in
// original order. Fatal corruption fails the whole call.
func ListComplete(path string, logger log.Logger) ([]domain.Frame, error) {
	res, err := File(path, logger)
	if err != nil {
		return nil, err
	}
	return res.Complete(), nil
}
