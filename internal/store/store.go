// Package store provides the durable journal backends for tickets. Two
// implementations satisfy the same contract: a hashed-directory
// filesystem layout and a Redis key-value layout.
package store

import (
	"context"
	"errors"
	"fmt"

	"ticketforge/server/internal/ticket"
)

// ErrJournalCorrupt wraps unparsable persisted change data. Reads treat
// the ticket as absent; bulk scans surface the (repo, id) pair so
// operators can find it.
var ErrJournalCorrupt = errors.New("store: journal corrupt")

// CorruptError identifies which journal failed to parse.
type CorruptError struct {
	Repository string
	Number     int64
	Err        error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("journal %s#%d corrupt: %v", e.Repository, e.Number, e.Err)
}

func (e *CorruptError) Unwrap() error { return ErrJournalCorrupt }

// JournalStore is the storage contract both backends implement with
// identical semantics. Journals are the only durable source of truth;
// a ticket with an empty or absent journal does not exist.
type JournalStore interface {
	// HasTicket tests existence without a full replay.
	HasTicket(ctx context.Context, repository string, number int64) bool

	// Ids enumerates every assigned id for the repository. It walks the
	// whole backend and is acceptable only for id-assignment bootstrap
	// and bulk reindex, never for interactive query paths.
	Ids(ctx context.Context, repository string) ([]int64, error)

	// AssignNewID returns a fresh id strictly greater than any id ever
	// assigned for the repository. Assignment is exclusive per
	// repository: no two concurrent callers receive the same id. On cold
	// start the backend scans existing ids once, then caches the
	// high-water mark.
	AssignNewID(ctx context.Context, repository string) (int64, error)

	// Journal returns the ordered change sequence, empty if the ticket
	// was never touched.
	Journal(ctx context.Context, repository string, number int64) ([]*ticket.Change, error)

	// CommitChange durably appends the change. The append is atomic with
	// respect to the single ticket id: a concurrent reader of the same
	// id never observes a partial journal. Atomicity across different
	// ids is not promised.
	CommitChange(ctx context.Context, repository string, number int64, change *ticket.Change) error

	// DeleteTicket removes the entire journal. The id is never reused.
	DeleteTicket(ctx context.Context, repository string, number int64) (bool, error)

	// DeleteAll removes every journal of the repository.
	DeleteAll(ctx context.Context, repository string) (bool, error)

	// Rename moves all journals and the id counter to a new repository
	// name.
	Rename(ctx context.Context, oldRepository, newRepository string) (bool, error)

	Close() error
}
