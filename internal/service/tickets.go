package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	gocache "github.com/patrickmn/go-cache"

	"ticketforge/server/internal/query"
	"ticketforge/server/internal/search"
	"ticketforge/server/internal/store"
	"ticketforge/server/internal/ticket"
)

func cacheKey(repository string, number int64) string {
	return ticket.Key{Repository: repository, Number: number}.String()
}

// CreateTicket validates and commits the ticket-creating change. When
// number is zero or negative a fresh id is assigned. The initial status
// is always New regardless of what the change carries.
func (s *Service) CreateTicket(ctx context.Context, repository string, number int64, change *ticket.Change) (*ticket.Ticket, error) {
	if change == nil {
		panic("service: CreateTicket called with nil change")
	}
	if strings.TrimSpace(change.Author) == "" {
		return nil, validationError("author", "is required")
	}
	if strings.TrimSpace(change.Field(ticket.FieldTitle)) == "" {
		return nil, validationError("title", "is required")
	}

	if number <= 0 {
		assigned, err := s.journals.AssignNewID(ctx, repository)
		if err != nil {
			return nil, fmt.Errorf("assign ticket id: %w", err)
		}
		number = assigned
	}

	change.SetField(ticket.FieldStatus, string(ticket.StatusNew))

	s.tickets.Delete(cacheKey(repository, number))
	if err := s.journals.CommitChange(ctx, repository, number, change); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}

	t, err := s.rebuild(ctx, repository, number)
	if err != nil {
		return nil, err
	}

	s.index(ctx, t)
	if s.notifier != nil {
		s.notifier.QueueMailing(t)
	}
	s.fireNewTicket(t)
	return t, nil
}

// UpdateTicket appends a change to an existing ticket. The cached entry
// is invalidated before the commit and repopulated only after the
// commit is durable; a backend failure leaves the last committed state
// visible to the next read. After a successful commit any pending
// cross-ticket links are resolved against their targets.
func (s *Service) UpdateTicket(ctx context.Context, repository string, number int64, change *ticket.Change) (*ticket.Ticket, error) {
	if change == nil {
		panic("service: UpdateTicket called with nil change")
	}
	if strings.TrimSpace(change.Author) == "" {
		return nil, validationError("author", "is required")
	}
	if !s.journals.HasTicket(ctx, repository, number) {
		return nil, nil
	}

	s.tickets.Delete(cacheKey(repository, number))
	if err := s.journals.CommitChange(ctx, repository, number, change); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}

	t, err := s.rebuild(ctx, repository, number)
	if err != nil {
		return nil, err
	}

	s.index(ctx, t)
	if s.notifier != nil {
		s.notifier.QueueMailing(t)
	}
	s.fireUpdateTicket(t, change)
	s.resolveLinks(ctx, repository, number, change)
	return t, nil
}

// resolveLinks propagates pending cross-ticket links as derived
// reference changes on their targets. Self-references and missing
// targets are skipped silently; only resolved links are marked
// successful.
func (s *Service) resolveLinks(ctx context.Context, repository string, number int64, change *ticket.Change) {
	for _, link := range change.PendingLinks {
		if link.TargetNumber == number {
			continue
		}
		if !s.journals.HasTicket(ctx, repository, link.TargetNumber) {
			continue
		}

		derived := ticket.NewChange(change.Author)
		ref := ticket.Reference{TicketNumber: number}
		switch link.Action {
		case ticket.LinkCommit:
			ref.Hash = link.Hash
		default:
			if change.Comment != nil {
				ref.CommentID = change.Comment.ID
			}
		}
		derived.SetReference(ref)

		target, err := s.UpdateTicket(ctx, repository, link.TargetNumber, derived)
		if err != nil {
			log.Printf("service: link %s#%d -> #%d failed: %v", repository, number, link.TargetNumber, err)
			continue
		}
		link.Success = target != nil
	}
}

// DeleteTicket removes the whole journal, the cached entry, and the
// index entry. The id is never reassigned afterwards.
func (s *Service) DeleteTicket(ctx context.Context, repository string, number int64, deletedBy string) (bool, error) {
	existing, err := s.GetTicket(ctx, repository, number)
	if err != nil {
		return false, err
	}

	deleted, err := s.journals.DeleteTicket(ctx, repository, number)
	if err != nil {
		return false, fmt.Errorf("delete ticket: %w", err)
	}
	s.tickets.Delete(cacheKey(repository, number))

	if deleted {
		log.Printf("service: ticket %s#%d deleted by %s", repository, number, deletedBy)
		if existing != nil && s.indexer != nil {
			if err := s.indexer.Delete(ctx, existing); err != nil {
				log.Printf("service: index delete for %s#%d failed: %v", repository, number, err)
			}
		}
	}
	return deleted, nil
}

// GetTicket returns the materialized ticket, or nil when it does not
// exist. Cache hits are returned as-is; misses replay the journal and
// populate the cache. A corrupt journal reads as absent and is logged.
func (s *Service) GetTicket(ctx context.Context, repository string, number int64) (*ticket.Ticket, error) {
	if cached, ok := s.tickets.Get(cacheKey(repository, number)); ok {
		return cached.(*ticket.Ticket), nil
	}

	changes, err := s.journals.Journal(ctx, repository, number)
	if err != nil {
		if errors.Is(err, store.ErrJournalCorrupt) {
			log.Printf("service: %v", err)
			return nil, nil
		}
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}

	t, err := ticket.Build(repository, number, changes)
	if err != nil {
		return nil, err
	}

	s.augmentDiffStats(t)
	s.tickets.Set(cacheKey(repository, number), t, gocache.DefaultExpiration)
	return t, nil
}

// augmentDiffStats overlays insertion/deletion counts on open patchset
// tickets. Failures leave the counts zero; stats are annotations, not
// state.
func (s *Service) augmentDiffStats(t *ticket.Ticket) {
	if s.diff == nil || !t.IsOpen() || !t.HasPatchsets() {
		return
	}
	for i := range t.Patchsets {
		ps := &t.Patchsets[i]
		if ps.Insertions != 0 || ps.Deletions != 0 || ps.Base == "" || ps.Tip == "" {
			continue
		}
		if stat := s.diff.DiffStat(t.Repository, ps.Base, ps.Tip); stat != nil {
			ps.Insertions = stat.Insertions
			ps.Deletions = stat.Deletions
		}
	}
}

// HasTicket tests existence without materializing.
func (s *Service) HasTicket(ctx context.Context, repository string, number int64) bool {
	return s.journals.HasTicket(ctx, repository, number)
}

// GetJournal exposes the raw ordered change sequence.
func (s *Service) GetJournal(ctx context.Context, repository string, number int64) ([]*ticket.Change, error) {
	return s.journals.Journal(ctx, repository, number)
}

// GetTickets replays every journal of the repository. This is the
// brute-force listing used by maintenance paths; interactive queries go
// through the index. Corrupt journals are reported and skipped so
// operators can find them.
func (s *Service) GetTickets(ctx context.Context, repository string) ([]*ticket.Ticket, error) {
	ids, err := s.journals.Ids(ctx, repository)
	if err != nil {
		return nil, fmt.Errorf("enumerate tickets: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	tickets := make([]*ticket.Ticket, 0, len(ids))
	for _, id := range ids {
		changes, err := s.journals.Journal(ctx, repository, id)
		if err != nil {
			if errors.Is(err, store.ErrJournalCorrupt) {
				log.Printf("service: bulk scan: %v", err)
				continue
			}
			return nil, err
		}
		if len(changes) == 0 {
			continue
		}
		t, err := ticket.Build(repository, id, changes)
		if err != nil {
			continue
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// SearchFor delegates a free-text search to the index.
func (s *Service) SearchFor(ctx context.Context, repository, text string, page, pageSize int) ([]search.Result, error) {
	if s.indexer == nil {
		return nil, nil
	}
	return s.indexer.SearchFor(ctx, repository, text, page, pageSize)
}

// QueryFor delegates a structured field query to the index.
func (s *Service) QueryFor(ctx context.Context, q string, page, pageSize int, sortBy string, descending bool) ([]search.Result, error) {
	if s.indexer == nil {
		return nil, nil
	}
	return s.indexer.QueryFor(ctx, q, page, pageSize, sortBy, descending)
}

// TicketFilter narrows an index query. Zero-valued fields do not
// constrain the result.
type TicketFilter struct {
	Repository  string
	Statuses    []ticket.Status
	Milestone   string
	Label       string
	Responsible string
}

// QueryTickets composes an index query from the filter and delegates it
// to the index. Several statuses are OR-ed inside one subquery.
func (s *Service) QueryTickets(ctx context.Context, filter TicketFilter, page, pageSize int, sortBy string, descending bool) ([]search.Result, error) {
	q := query.New("")
	if filter.Repository != "" {
		q.And(query.Match("repository", filter.Repository))
	}
	if len(filter.Statuses) > 0 {
		sub := q.AndSubquery()
		for _, status := range filter.Statuses {
			sub.Or(query.Match("status", string(status)))
		}
		sub.EndSubquery()
	}
	if filter.Milestone != "" {
		q.And(query.Match("milestone", filter.Milestone))
	}
	if filter.Label != "" {
		q.And(query.Match("labels", filter.Label))
	}
	if filter.Responsible != "" {
		q.And(query.Match("responsible", filter.Responsible))
	}
	return s.QueryFor(ctx, q.Build(), page, pageSize, sortBy, descending)
}

// Reindex rebuilds the repository's index entries from a full backend
// scan. Expensive, idempotent, safe to re-run.
func (s *Service) Reindex(ctx context.Context, repository string) error {
	if s.indexer == nil {
		return nil
	}
	if err := s.indexer.DeleteAll(ctx, repository); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}
	tickets, err := s.GetTickets(ctx, repository)
	if err != nil {
		return err
	}
	if len(tickets) == 0 {
		return nil
	}
	if err := s.indexer.Index(ctx, tickets...); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	return nil
}

// ReindexAll reindexes several repositories, reporting per-repository
// failures without aborting the rest.
func (s *Service) ReindexAll(ctx context.Context, repositories []string) {
	for _, repository := range repositories {
		if err := s.Reindex(ctx, repository); err != nil {
			log.Printf("service: reindex %s failed: %v", repository, err)
		}
	}
}

// rebuild replays the journal after a commit and repopulates the cache
// with the fresh materialization.
func (s *Service) rebuild(ctx context.Context, repository string, number int64) (*ticket.Ticket, error) {
	changes, err := s.journals.Journal(ctx, repository, number)
	if err != nil {
		return nil, fmt.Errorf("reload journal: %w", err)
	}
	t, err := ticket.Build(repository, number, changes)
	if err != nil {
		return nil, fmt.Errorf("rebuild ticket: %w", err)
	}
	s.augmentDiffStats(t)
	s.tickets.Set(cacheKey(repository, number), t, gocache.DefaultExpiration)
	return t, nil
}

func (s *Service) index(ctx context.Context, t *ticket.Ticket) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.Index(ctx, t); err != nil {
		log.Printf("service: index update for %s#%d failed: %v", t.Repository, t.Number, err)
	}
}
