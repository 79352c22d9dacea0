package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"ticketforge/server/internal/ticket"
)

func setupFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return store
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := setupFileStore(t)
	ctx := context.Background()

	change := ticket.NewChange("alice")
	change.SetField(ticket.FieldTitle, "Broken build")
	change.AddLabel("bug")

	if err := store.CommitChange(ctx, "acme/widgets", 1, change); err != nil {
		t.Fatalf("CommitChange failed: %v", err)
	}

	changes, err := store.Journal(ctx, "acme/widgets", 1)
	if err != nil {
		t.Fatalf("Journal failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].Author != "alice" || changes[0].Field(ticket.FieldTitle) != "Broken build" {
		t.Errorf("journal lost change content: %+v", changes[0])
	}
	if !changes[0].CreatedAt.Equal(change.CreatedAt) {
		t.Errorf("timestamp must survive the round trip")
	}
}

func TestFileStoreJournalMissing(t *testing.T) {
	store := setupFileStore(t)
	ctx := context.Background()

	changes, err := store.Journal(ctx, "acme/widgets", 42)
	if err != nil {
		t.Fatalf("Journal on missing ticket must not error: %v", err)
	}
	if changes != nil {
		t.Errorf("expected nil journal, got %v", changes)
	}
	if store.HasTicket(ctx, "acme/widgets", 42) {
		t.Errorf("missing ticket must not exist")
	}
}

func TestFileStoreAssignNewIDReserves(t *testing.T) {
	store := setupFileStore(t)
	ctx := context.Background()

	id, err := store.AssignNewID(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("AssignNewID failed: %v", err)
	}
	if id != 1 {
		t.Errorf("expected first id 1, got %d", id)
	}

	// reserved but never written: not a ticket yet
	if store.HasTicket(ctx, "acme/widgets", id) {
		t.Errorf("reserved id must not count as existing ticket")
	}

	// a second store over the same directory must not reissue the id
	again, err := NewFileStore(store.baseDir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	next, err := again.AssignNewID(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("AssignNewID failed: %v", err)
	}
	if next != 2 {
		t.Errorf("expected reserved id skipped on restart, got %d", next)
	}
}

func TestFileStoreAssignNewIDConcurrent(t *testing.T) {
	store := setupFileStore(t)
	ctx := context.Background()

	const goroutines = 8
	ids := make([]int64, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			id, err := store.AssignNewID(ctx, "acme/widgets")
			if err != nil {
				t.Errorf("AssignNewID failed: %v", err)
				return
			}
			ids[slot] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, id := range ids {
		if id <= 0 || id > goroutines {
			t.Errorf("id %d out of range", id)
		}
		if seen[id] {
			t.Errorf("id %d issued twice", id)
		}
		seen[id] = true
	}
}

func TestFileStoreIdsPerRepository(t *testing.T) {
	store := setupFileStore(t)
	ctx := context.Background()

	for _, n := range []int64{1, 2, 101} {
		change := ticket.NewChange("alice").SetField(ticket.FieldTitle, fmt.Sprintf("t%d", n))
		if err := store.CommitChange(ctx, "acme/widgets", n, change); err != nil {
			t.Fatalf("CommitChange failed: %v", err)
		}
	}
	if err := store.CommitChange(ctx, "acme/gadgets", 1, ticket.NewChange("bob").SetField(ticket.FieldTitle, "other")); err != nil {
		t.Fatalf("CommitChange failed: %v", err)
	}

	ids, err := store.Ids(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("Ids failed: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("expected 3 ids, got %v", ids)
	}
	// 1 and 101 land in the same fan-out bucket
	found := make(map[int64]bool)
	for _, id := range ids {
		found[id] = true
	}
	if !found[1] || !found[2] || !found[101] {
		t.Errorf("missing ids in %v", ids)
	}
}

func TestFileStoreDeleteTicketResult(t *testing.T) {
	store := setupFileStore(t)
	ctx := context.Background()

	deleted, err := store.DeleteTicket(ctx, "acme/widgets", 9)
	if err != nil {
		t.Fatalf("DeleteTicket failed: %v", err)
	}
	if deleted {
		t.Errorf("deleting a missing ticket must report false")
	}

	if err := store.CommitChange(ctx, "acme/widgets", 9, ticket.NewChange("alice").SetField(ticket.FieldTitle, "t")); err != nil {
		t.Fatalf("CommitChange failed: %v", err)
	}
	deleted, err = store.DeleteTicket(ctx, "acme/widgets", 9)
	if err != nil {
		t.Fatalf("DeleteTicket failed: %v", err)
	}
	if !deleted {
		t.Errorf("deleting an existing ticket must report true")
	}
	if store.HasTicket(ctx, "acme/widgets", 9) {
		t.Errorf("deleted ticket must not exist")
	}
}

func TestFileStoreRename(t *testing.T) {
	store := setupFileStore(t)
	ctx := context.Background()

	if err := store.CommitChange(ctx, "acme/old", 1, ticket.NewChange("alice").SetField(ticket.FieldTitle, "t")); err != nil {
		t.Fatalf("CommitChange failed: %v", err)
	}

	renamed, err := store.Rename(ctx, "acme/old", "acme/new")
	if err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if !renamed {
		t.Fatalf("expected rename to report true")
	}
	if store.HasTicket(ctx, "acme/old", 1) {
		t.Errorf("old repository must be gone")
	}
	if !store.HasTicket(ctx, "acme/new", 1) {
		t.Errorf("ticket must survive under the new name")
	}

	// counter follows the repository
	id, err := store.AssignNewID(ctx, "acme/new")
	if err != nil {
		t.Fatalf("AssignNewID failed: %v", err)
	}
	if id != 2 {
		t.Errorf("expected id 2 after rename, got %d", id)
	}
}

func TestFileStoreDeleteAll(t *testing.T) {
	store := setupFileStore(t)
	ctx := context.Background()

	for n := int64(1); n <= 3; n++ {
		if err := store.CommitChange(ctx, "acme/widgets", n, ticket.NewChange("alice").SetField(ticket.FieldTitle, "t")); err != nil {
			t.Fatalf("CommitChange failed: %v", err)
		}
	}
	deleted, err := store.DeleteAll(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}
	if !deleted {
		t.Errorf("expected DeleteAll to report true")
	}
	ids, err := store.Ids(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("Ids failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no ids after DeleteAll, got %v", ids)
	}
}

func TestFileStoreCorruptJournal(t *testing.T) {
	store := setupFileStore(t)
	ctx := context.Background()

	dir := store.ticketDir("acme/widgets", 5)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, journalFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_, err := store.Journal(ctx, "acme/widgets", 5)
	if !errors.Is(err, ErrJournalCorrupt) {
		t.Fatalf("expected ErrJournalCorrupt, got %v", err)
	}
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptError, got %T", err)
	}
	if corrupt.Repository != "acme/widgets" || corrupt.Number != 5 {
		t.Errorf("corrupt error must identify the journal: %+v", corrupt)
	}
}

func TestFileStoreAttachments(t *testing.T) {
	store := setupFileStore(t)

	payload := []byte("binary attachment payload")
	if err := store.SaveAttachment("acme/widgets", 3, "crash.log", payload); err != nil {
		t.Fatalf("SaveAttachment failed: %v", err)
	}
	got, err := store.Attachment("acme/widgets", 3, "crash.log")
	if err != nil {
		t.Fatalf("Attachment failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("attachment payload corrupted")
	}

	// path traversal in the filename is flattened
	if err := store.SaveAttachment("acme/widgets", 3, "../../evil.txt", []byte("x")); err != nil {
		t.Fatalf("SaveAttachment failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.baseDir, "evil.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("attachment escaped its directory")
	}
}
