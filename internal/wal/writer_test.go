package wal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/morphic-labs/imagewal/internal/domain"
	"github.com/morphic-labs/imagewal/internal/scan"
	"github.com/morphic-labs/imagewal/internal/txn"
)

func testOptions() Options {
	return Options{SyncMode: SyncDisabled}
}

func TestOpenCreatesFreshLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if w.LastSequence() != 0 {
		t.Errorf("LastSequence = %d, want 0", w.LastSequence())
	}

	seq, err := w.Append(domain.Entry{Kind: domain.KindBegin, Tag: "alpha"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq != 1 {
		t.Errorf("first sequence = %d, want 1", seq)
	}
	seq, err = w.Append(domain.Entry{Kind: domain.KindEnd, Tag: "alpha"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq != 2 {
		t.Errorf("second sequence = %d, want 2", seq)
	}
}

func TestReopenResumesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, e := range []domain.Entry{
		{Kind: domain.KindBegin, Tag: "alpha"},
		{Kind: domain.KindData, Tag: "alpha", Payload: []byte("one")},
		{Kind: domain.KindEnd, Tag: "alpha"},
	} {
		if _, err := w.Append(e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	if w2.LastSequence() != 3 {
		t.Errorf("LastSequence after reopen = %d, want 3", w2.LastSequence())
	}
	seq, err := w2.Append(domain.Entry{Kind: domain.KindMark, Tag: "resume"})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if seq != 4 {
		t.Errorf("sequence after reopen = %d, want 4", seq)
	}
}

func TestReopenTrimsPartialTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := w.Append(domain.Entry{Kind: domain.KindBegin, Tag: "alpha"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.Append(domain.Entry{Kind: domain.KindEnd, Tag: "alpha"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a crash mid-append: a record fragment without its newline.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open for damage: %v", err)
	}
	if _, err := f.WriteString("DATA alpha half-wri"); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
	f.Close()

	w2, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer w2.Close()

	if w2.LastSequence() != 2 {
		t.Errorf("LastSequence = %d, want 2", w2.LastSequence())
	}
	if _, err := w2.Append(domain.Entry{Kind: domain.KindMark, Tag: "ok"}); err != nil {
		t.Fatalf("append after trim: %v", err)
	}
	w2.Close()

	res, err := scan.File(path, nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(res.Diagnostics) != 0 {
		t.Errorf("diagnostics after trim = %v, want none", res.Diagnostics)
	}
	if res.LastSeq != 3 {
		t.Errorf("LastSeq = %d, want 3", res.LastSeq)
	}
}

func TestOpenFailsOnCorruptLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	content := "IMGWAL v1 base=0\nBEGIN alpha\nGARBAGE line\nEND alpha\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}

	if _, err := Open(path, testOptions()); !errors.Is(err, domain.ErrLogCorrupt) {
		t.Errorf("err = %v, want ErrLogCorrupt", err)
	}
	if Locked(path) {
		t.Error("failed open left the lock behind")
	}
}

func TestSecondWriterIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := Open(path, testOptions()); !errors.Is(err, domain.ErrLogLocked) {
		t.Errorf("second open err = %v, want ErrLogLocked", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	w2, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("open after release: %v", err)
	}
	w2.Close()
}

func TestAppendDetectsExternalModification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if _, err := w.Append(domain.Entry{Kind: domain.KindMark, Tag: "a"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open for interference: %v", err)
	}
	if _, err := f.WriteString("MARK intruder x\n"); err != nil {
		t.Fatalf("interfering write: %v", err)
	}
	f.Close()

	if _, err := w.Append(domain.Entry{Kind: domain.KindMark, Tag: "b"}); !errors.Is(err, domain.ErrExternalModification) {
		t.Errorf("err = %v, want ErrExternalModification", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second close = %v, want nil", err)
	}
	if _, err := w.Append(domain.Entry{Kind: domain.KindMark, Tag: "a"}); !errors.Is(err, domain.ErrWriterClosed) {
		t.Errorf("append after close = %v, want ErrWriterClosed", err)
	}
}

func TestShortWriteRollsBackPartialRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if _, err := w.Append(domain.Entry{Kind: domain.KindBegin, Tag: "alpha"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	boom := errors.New("no space left on device")
	w.SetTestingOnlyInjectShortWrite(boom)
	if _, err := w.Append(domain.Entry{Kind: domain.KindEnd, Tag: "alpha"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want injected error", err)
	}
	if w.LastSequence() != 1 {
		t.Errorf("LastSequence = %d, want 1 (failed append must not consume a sequence)", w.LastSequence())
	}

	// The tail is clean again: the next record must not merge with the
	// partial one.
	w.SetTestingOnlyInjectShortWrite(nil)
	seq, err := w.Append(domain.Entry{Kind: domain.KindAbort, Tag: "alpha"})
	if err != nil {
		t.Fatalf("append after rollback: %v", err)
	}
	if seq != 2 {
		t.Errorf("sequence = %d, want 2", seq)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	res, err := scan.File(path, nil)
	if err != nil {
		t.Fatalf("scan after short write: %v", err)
	}
	if len(res.Diagnostics) != 0 {
		t.Errorf("diagnostics = %v, want none", res.Diagnostics)
	}
	if len(res.Frames) != 1 || res.Frames[0].Status != domain.StatusAborted {
		t.Errorf("frames = %v, want one ABORTED frame", res.Frames)
	}
}

func TestShortWriteMidTransactionStaysRecoverable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c := txn.New(w, txn.StrictSingle, nil)

	tx, err := c.Begin("alpha")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	// The device stays full through the coordinator's best-effort ABORT,
	// so the frame is left with a dangling BEGIN.
	w.SetTestingOnlyInjectShortWrite(errors.New("no space left on device"))
	if err := tx.Append([]byte("work")); !errors.Is(err, domain.ErrTransactionIO) {
		t.Fatalf("err = %v, want ErrTransactionIO", err)
	}
	w.SetTestingOnlyInjectShortWrite(nil)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The next startup sees an incomplete frame, not corruption.
	res, err := scan.File(path, nil)
	if err != nil {
		t.Fatalf("scan after failed transaction: %v", err)
	}
	if len(res.Frames) != 1 || res.Frames[0].Status != domain.StatusIncomplete {
		t.Fatalf("frames = %v, want one INCOMPLETE frame", res.Frames)
	}

	w2, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()
	if w2.LastSequence() != 1 {
		t.Errorf("LastSequence = %d, want 1", w2.LastSequence())
	}
}

func TestInjectedAppendError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	boom := errors.New("disk on fire")
	w.SetTestingOnlyInjectAppendError(boom)
	if _, err := w.Append(domain.Entry{Kind: domain.KindMark, Tag: "a"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want injected error", err)
	}

	w.SetTestingOnlyInjectAppendError(nil)
	if _, err := w.Append(domain.Entry{Kind: domain.KindMark, Tag: "a"}); err != nil {
		t.Errorf("append after clearing injection: %v", err)
	}
}
