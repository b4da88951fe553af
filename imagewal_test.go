package imagewal_test

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/morphic-labs/imagewal"
)

// indexSink models the recovered state as an ordered list of applied
// operations, optionally seeded from a snapshot.
type indexSink struct {
	ops []string
}

func (s *indexSink) Apply(fr imagewal.Frame) error {
	for _, e := range fr.Entries {
		s.ops = append(s.ops, string(e.Payload))
	}
	return nil
}

func (s *indexSink) Seed(state []byte, atSeq uint64) error {
	s.ops = nil
	for _, op := range bytes.Split(state, []byte(",")) {
		if len(op) > 0 {
			s.ops = append(s.ops, string(op))
		}
	}
	return nil
}

func (s *indexSink) state() []byte {
	return []byte(strings.Join(s.ops, ","))
}

func TestTransactionsSurviveReopenAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.wal")

	wal, err := imagewal.Open(path, imagewal.WithSyncMode(imagewal.SyncDisabled))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	err = wal.RunInTransaction("add-cat", nil, func(tx *imagewal.Tx) error {
		return tx.Append([]byte("add cat.png"))
	})
	if err != nil {
		t.Fatalf("first transaction: %v", err)
	}

	// A rolled back transaction must not surface in replay.
	err = wal.RunInTransaction("add-dog", nil, func(tx *imagewal.Tx) error {
		if err := tx.Append([]byte("add dog.png")); err != nil {
			return err
		}
		return fmt.Errorf("validation failed")
	})
	if err == nil {
		t.Fatal("second transaction: want body error")
	}

	err = wal.RunInTransaction("add-owl", nil, func(tx *imagewal.Tx) error {
		return tx.Append([]byte("add owl.png"))
	})
	if err != nil {
		t.Fatalf("third transaction: %v", err)
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sink := &indexSink{}
	report, err := imagewal.Replay(path, sink, imagewal.ReplayOptions{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if want := []string{"add cat.png", "add owl.png"}; !reflect.DeepEqual(sink.ops, want) {
		t.Errorf("ops = %v, want %v", sink.ops, want)
	}
	if report.Applied != 2 || len(report.Skipped) != 1 {
		t.Errorf("report = applied %d skipped %d, want 2/1", report.Applied, len(report.Skipped))
	}
}

func TestSecondOpenIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.wal")
	wal, err := imagewal.Open(path, imagewal.WithSyncMode(imagewal.SyncDisabled))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer wal.Close()

	if _, err := imagewal.Open(path); !errors.Is(err, imagewal.ErrLogLocked) {
		t.Errorf("second open = %v, want ErrLogLocked", err)
	}
}

func TestConcurrentBeginIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.wal")
	wal, err := imagewal.Open(path, imagewal.WithSyncMode(imagewal.SyncDisabled))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer wal.Close()

	tx, err := wal.Begin("first")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := wal.Begin("second"); !errors.Is(err, imagewal.ErrTransactionActive) {
		t.Errorf("second begin = %v, want ErrTransactionActive", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestSnapshotRecoverMatchesFullReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.wal")
	snapDir := filepath.Join(dir, "snapshots")

	wal, err := imagewal.Open(path,
		imagewal.WithSyncMode(imagewal.SyncDisabled),
		imagewal.WithSnapshotDir(snapDir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for i := 0; i < 3; i++ {
		op := fmt.Sprintf("add img-%d.png", i)
		err := wal.RunInTransaction(fmt.Sprintf("batch-%d", i), nil, func(tx *imagewal.Tx) error {
			return tx.Append([]byte(op))
		})
		if err != nil {
			t.Fatalf("transaction %d: %v", i, err)
		}
	}

	// Materialize current state and snapshot it.
	full := &indexSink{}
	if _, err := imagewal.Replay(path, full, imagewal.ReplayOptions{}); err != nil {
		t.Fatalf("replay for snapshot: %v", err)
	}
	if _, err := wal.TakeSnapshot(full.state()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	err = wal.RunInTransaction("batch-late", nil, func(tx *imagewal.Tx) error {
		return tx.Append([]byte("add late.png"))
	})
	if err != nil {
		t.Fatalf("late transaction: %v", err)
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Snapshot seed plus suffix replay equals full replay.
	direct := &indexSink{}
	if _, err := imagewal.Replay(path, direct, imagewal.ReplayOptions{}); err != nil {
		t.Fatalf("full replay: %v", err)
	}
	recovered := &indexSink{}
	if _, err := imagewal.Recover(path, snapDir, recovered, nil); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !reflect.DeepEqual(recovered.ops, direct.ops) {
		t.Errorf("recovered = %v, direct = %v", recovered.ops, direct.ops)
	}

	// Truncating below the snapshot keeps recovery equivalent.
	if err := imagewal.TruncateLogBefore(path, snapDir, 10, nil); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	truncated := &indexSink{}
	if _, err := imagewal.Recover(path, snapDir, truncated, nil); err != nil {
		t.Fatalf("recover after truncate: %v", err)
	}
	if !reflect.DeepEqual(truncated.ops, direct.ops) {
		t.Errorf("after truncate = %v, direct = %v", truncated.ops, direct.ops)
	}
}

func TestTakeSnapshotRejectedMidTransaction(t *testing.T) {
	dir := t.TempDir()
	wal, err := imagewal.Open(filepath.Join(dir, "index.wal"),
		imagewal.WithSyncMode(imagewal.SyncDisabled),
		imagewal.WithSnapshotDir(filepath.Join(dir, "snapshots")))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer wal.Close()

	tx, err := wal.Begin("open")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := wal.TakeSnapshot(nil); !errors.Is(err, imagewal.ErrTransactionActive) {
		t.Errorf("snapshot mid-transaction = %v, want ErrTransactionActive", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}
