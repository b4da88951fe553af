package domain

// FrameStatus classifies a frame after a scan of the log.
type FrameStatus string

const (
	// StatusComplete means the frame's BEGIN was matched by an END.
	// Only complete frames are applied during replay.
	StatusComplete FrameStatus = "COMPLETE"

	// StatusIncomplete means the frame's BEGIN was never matched before
	// end-of-log, typically because the process crashed mid-transaction.
	StatusIncomplete FrameStatus = "INCOMPLETE"

	// StatusAborted means the frame was explicitly rolled back with an
	// ABORT record. Replay treats it the same as absent.
	StatusAborted FrameStatus = "ABORTED"
)

// Frame is one logical transaction reconstructed from the log: a BEGIN
// record, zero or more DATA records with the same tag, and (if complete) a
// matching END. A standalone MARK record is surfaced as a single-entry
// complete frame.
type Frame struct {
	// Tag is the logical operation name shared by all entries in the frame.
	Tag string

	// Entries holds the payload-bearing records (DATA, or the single MARK),
	// in append order. Delimiter records are not included; their positions
	// are captured by FirstSeq and LastSeq.
	Entries []Entry

	// Status is the completeness classification.
	Status FrameStatus

	// FirstSeq is the sequence of the frame's BEGIN (or MARK) record.
	FirstSeq uint64

	// LastSeq is the sequence of the last record observed for the frame,
	// including the END or ABORT delimiter when present.
	LastSeq uint64
}

// Complete reports whether the frame may be applied during replay.
func (f *Frame) Complete() bool {
	return f.Status == StatusComplete
}
