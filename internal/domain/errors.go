package domain

import "errors"

// Domain errors represent error conditions in the imagewal domain.
// These errors are returned by the public API and can be checked with errors.Is.
var (
	// ErrLogCorrupt is returned when the log contains unparseable bytes,
	// not merely a truncated trailing record. Requires manual intervention
	// or log discard; recovery never silently starts from empty state.
	ErrLogCorrupt = errors.New("imagewal: log corrupt")

	// ErrTransactionActive is returned when Begin is called while a
	// conflicting transaction is already open.
	ErrTransactionActive = errors.New("imagewal: transaction already active")

	// ErrNoActiveTransaction is returned when a handle is used after it has
	// been committed or rolled back.
	ErrNoActiveTransaction = errors.New("imagewal: no active transaction")

	// ErrTransactionIO is returned when the underlying writer fails
	// mid-transaction. A best-effort ABORT has been attempted.
	ErrTransactionIO = errors.New("imagewal: transaction write failed")

	// ErrSnapshotOrdering is returned when a truncate is attempted before a
	// covering snapshot has been durably written.
	ErrSnapshotOrdering = errors.New("imagewal: truncate point not covered by a snapshot")

	// ErrNoSnapshot is returned by LoadLatest when no snapshot exists.
	ErrNoSnapshot = errors.New("imagewal: no snapshot")

	// ErrInvalidTag is returned when a tag is empty or contains whitespace
	// or control bytes.
	ErrInvalidTag = errors.New("imagewal: invalid tag")

	// ErrWriterClosed is returned when appending to a closed writer.
	ErrWriterClosed = errors.New("imagewal: writer closed")

	// ErrLogLocked is returned when another writer holds the log's lock file.
	ErrLogLocked = errors.New("imagewal: log locked by another writer")

	// ErrExternalModification is returned when the log file on disk no
	// longer matches the writer's expected size, indicating a conflicting
	// external writer.
	ErrExternalModification = errors.New("imagewal: log modified outside writer")
)
