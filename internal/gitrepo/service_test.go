package gitrepo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func snapshot(version int, title string) Snapshot {
	return Snapshot{
		EntryID:  "ent_1",
		SchemaID: "informationHelpshift",
		Version:  version,
		Fields: json.RawMessage(fmt.Sprintf(`{
			"title":{"en-US":%q},
			"helpshiftDetails":{"en-US":{"nodeType":"document","data":{},"content":[]}}
		}`, title)),
	}
}

func TestArchiveLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first, err := svc.Archive(snapshot(1, "Reset password"))
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if first.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if _, err := os.Stat(filepath.Join(tempDir, "ent_1", snapshotFile)); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}
	if !strings.Contains(first.Message, "at version 1") {
		t.Fatalf("unexpected commit message: %q", first.Message)
	}

	second, err := svc.Archive(snapshot(2, "Reset your password"))
	if err != nil {
		t.Fatalf("Archive() second error = %v", err)
	}

	history, err := svc.History("ent_1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != second.Hash {
		t.Fatalf("unexpected history: %+v", history)
	}

	old, err := svc.SnapshotAt("ent_1", first.Hash)
	if err != nil {
		t.Fatalf("SnapshotAt() error = %v", err)
	}
	if old.Version != 1 {
		t.Fatalf("expected version 1, got %d", old.Version)
	}

	head, info, err := svc.Head("ent_1")
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if head.Version != 2 || info.Hash != second.Hash {
		t.Fatalf("unexpected head: %+v %+v", head, info)
	}
	if HasChanges(head, snapshot(2, "Reset your password")) {
		t.Fatal("expected archived head to match the committed snapshot")
	}
}

func TestArchiveUnchangedSnapshotKeepsHead(t *testing.T) {
	svc := New(t.TempDir())

	first, err := svc.Archive(snapshot(1, "Same"))
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	again, err := svc.Archive(snapshot(1, "Same"))
	if err != nil {
		t.Fatalf("Archive() repeat error = %v", err)
	}
	if again.Hash != first.Hash {
		t.Fatalf("expected unchanged head %s, got %s", first.Hash, again.Hash)
	}
}

func TestHistoryLimit(t *testing.T) {
	svc := New(t.TempDir())
	for v := 1; v <= 4; v++ {
		if _, err := svc.Archive(snapshot(v, fmt.Sprintf("title %d", v))); err != nil {
			t.Fatalf("Archive(%d) error = %v", v, err)
		}
	}
	history, err := svc.History("ent_1", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(history))
	}
}

func TestConcurrentArchiveSameEntry(t *testing.T) {
	svc := New(t.TempDir())

	const writers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if _, err := svc.Archive(snapshot(idx+1, fmt.Sprintf("title-%02d", idx))); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("Archive() concurrent error = %v", err)
	}

	history, err := svc.History("ent_1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d commits, got %d", writers, len(history))
	}
}

func TestHasChangesIgnoresFormatting(t *testing.T) {
	a := Snapshot{Version: 1, Fields: json.RawMessage(`{"a":{"en-US":"x"}}`)}
	b := Snapshot{Version: 1, Fields: json.RawMessage("{ \"a\" : { \"en-US\" : \"x\" } }")}
	if HasChanges(a, b) {
		t.Fatal("expected whitespace-only difference to be ignored")
	}
	b.Version = 2
	if !HasChanges(a, b) {
		t.Fatal("expected version change to be detected")
	}
}
