// Package replay deterministically reconstructs state from the complete
// frames of a log. The engine is agnostic to payload contents: each complete
// frame is handed, in the order its BEGIN appears on the log, to a
// caller-provided ApplySink that owns the state-mutation boundary.
package replay

import (
	"fmt"

	"github.com/morphic-labs/imagewal/internal/domain"
	"github.com/morphic-labs/imagewal/internal/scan"
	"github.com/morphic-labs/imagewal/pkg/log"
)

// ApplySink is the state-mutation boundary. Apply is invoked once per
// complete frame, strictly in log order; later frames may depend on state
// created by earlier ones.
type ApplySink interface {
	Apply(frame domain.Frame) error
}

// ApplyFunc adapts a plain function to ApplySink.
type ApplyFunc func(frame domain.Frame) error

// Apply implements ApplySink.
func (f ApplyFunc) Apply(frame domain.Frame) error { return f(frame) }

// FrameError reports a frame the sink failed to apply.
type FrameError struct {
	Tag      string
	FirstSeq uint64
	LastSeq  uint64
	Err      error
}

// Error implements error.
func (e *FrameError) Error() string {
	return fmt.Sprintf("imagewal: apply frame %q (seq %d..%d): %v", e.Tag, e.FirstSeq, e.LastSeq, e.Err)
}

// Unwrap exposes the sink's error for errors.Is/As.
func (e *FrameError) Unwrap() error { return e.Err }

// Report summarizes a replay pass.
type Report struct {
	// Applied is the number of frames handed to the sink successfully.
	Applied int

	// Skipped holds incomplete and aborted frames, never applied.
	Skipped []domain.Frame

	// Failed holds frames the sink rejected (at most one unless
	// skip-on-error is enabled).
	Failed []*FrameError

	// Diagnostics carries the scanner's observations.
	Diagnostics []scan.Diagnostic
}

// Options configures a replay pass.
type Options struct {
	// FromSequence skips frames wholly at or before this sequence. Used to
	// replay only the suffix not covered by a snapshot.
	FromSequence uint64

	// SkipOnError continues past frames the sink rejects instead of
	// aborting. Off by default: partial application of dependent frames is
	// unsafe.
	SkipOnError bool

	// Logger receives replay events. Defaults to a no-op.
	Logger log.Logger
}

// Run replays the log at path into sink. Fatal log corruption halts the
// replay before anything is applied, returning ErrLogCorrupt with the byte
// offset; starting silently from empty state is forbidden.
func Run(path string, sink ApplySink, opts Options) (*Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	res, err := scan.File(path, logger)
	if err != nil {
		report := &Report{}
		if res != nil {
			report.Diagnostics = res.Diagnostics
		}
		return report, err
	}

	report := &Report{Diagnostics: res.Diagnostics}
	for _, fr := range res.Frames {
		if !fr.Complete() {
			report.Skipped = append(report.Skipped, fr)
			logger.Warn("skipping frame",
				log.String("tag", fr.Tag),
				log.String("status", string(fr.Status)),
				log.Uint64("first_seq", fr.FirstSeq),
				log.Uint64("last_seq", fr.LastSeq))
			continue
		}
		if fr.LastSeq <= opts.FromSequence {
			// Covered by the seeding snapshot.
			continue
		}

		if err := sink.Apply(fr); err != nil {
			fe := &FrameError{Tag: fr.Tag, FirstSeq: fr.FirstSeq, LastSeq: fr.LastSeq, Err: err}
			report.Failed = append(report.Failed, fe)
			if !opts.SkipOnError {
				return report, fe
			}
			logger.Error("sink rejected frame, continuing", log.String("tag", fr.Tag), log.Err(err))
			continue
		}
		report.Applied++
	}

	logger.Info("replay finished",
		log.String("path", path),
		log.Int("applied", report.Applied),
		log.Int("skipped", len(report.Skipped)),
		log.Int("failed", len(report.Failed)))
	return report, nil
}
