package domain

// Kind identifies the type of a log record.
type Kind string

const (
	// KindBegin opens a frame for a tag.
	KindBegin Kind = "BEGIN"

	// KindData is a payload record belonging to an open frame.
	KindData Kind = "DATA"

	// KindEnd closes a frame; the frame becomes complete.
	KindEnd Kind = "END"

	// KindAbort closes a frame as rolled back; replay treats it as absent.
	KindAbort Kind = "ABORT"

	// KindMark is a standalone, non-transactional annotation.
	KindMark Kind = "MARK"
)

// Entry is the atomic unit written to the log.
type Entry struct {
	// Kind is the record type (BEGIN, DATA, END, ABORT, MARK).
	Kind Kind

	// Tag is the caller-supplied name of the logical operation the entry
	// belongs to (e.g. "morph.evolution"). Tags never contain whitespace.
	Tag string

	// Payload is opaque caller-defined bytes. Only DATA and MARK entries
	// carry a payload.
	Payload []byte

	// Sequence is the monotonically increasing ordinal assigned at append
	// time. Strictly increasing within a log; never reused.
	Sequence uint64
}
