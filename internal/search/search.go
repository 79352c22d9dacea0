// Package search defines the full-text index contract for tickets and
// its Meilisearch implementation.
package search

import (
	"context"
	"time"

	"ticketforge/server/internal/ticket"
)

// Sortable fields accepted by QueryFor.
const (
	SortCreated  = "createdAt"
	SortUpdated  = "updatedAt"
	SortNumber   = "number"
	SortPriority = "priority"
	SortSeverity = "severity"
)

// Result is the flattened, denormalized read model of a ticket produced
// by the index for search results. It is derived and may lag the
// journal; it is never authoritative.
type Result struct {
	ID          string    `json:"id"`
	Repository  string    `json:"repository"`
	Number      int64     `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body,omitempty"`
	Status      string    `json:"status"`
	Type        string    `json:"type,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	Responsible string    `json:"responsible,omitempty"`
	Milestone   string    `json:"milestone,omitempty"`
	Topic       string    `json:"topic,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	Priority    int       `json:"priority"`
	Severity    int       `json:"severity"`
	Patchsets   int       `json:"patchsets"`
	Comments    int       `json:"comments"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

// Indexer keeps the secondary full-text index synchronized with ticket
// mutations and answers query-path reads.
type Indexer interface {
	// Index adds or refreshes tickets in the index.
	Index(ctx context.Context, tickets ...*ticket.Ticket) error

	// Delete removes one ticket's index entry.
	Delete(ctx context.Context, t *ticket.Ticket) error

	// DeleteAll removes every entry, or every entry of one repository
	// when the name is non-empty.
	DeleteAll(ctx context.Context, repository string) error

	// SearchFor runs a free-text search, optionally scoped to one
	// repository.
	SearchFor(ctx context.Context, repository, text string, page, pageSize int) ([]Result, error)

	// QueryFor runs a structured field query built with the query
	// package.
	QueryFor(ctx context.Context, q string, page, pageSize int, sortBy string, descending bool) ([]Result, error)

	// HasTickets reports whether the repository has any indexed tickets.
	HasTickets(ctx context.Context, repository string) bool
}
