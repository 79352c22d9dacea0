// Package service orchestrates the ticket tracking store: id
// assignment, the read-through ticket cache, label and milestone
// configuration, cross-ticket link resolution, and synchronization of
// the external index and notifier with every mutation.
package service

import (
	"context"
	"log"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"ticketforge/server/internal/gitrepo"
	"ticketforge/server/internal/search"
	"ticketforge/server/internal/store"
	"ticketforge/server/internal/ticket"
)

// Indexer is the slice of the full-text index the service drives. The
// index is secondary: it is kept synchronized with every mutation but
// the journal stays authoritative.
type Indexer interface {
	Index(ctx context.Context, tickets ...*ticket.Ticket) error
	Delete(ctx context.Context, t *ticket.Ticket) error
	DeleteAll(ctx context.Context, repository string) error
	SearchFor(ctx context.Context, repository, text string, page, pageSize int) ([]search.Result, error)
	QueryFor(ctx context.Context, q string, page, pageSize int, sortBy string, descending bool) ([]search.Result, error)
	HasTickets(ctx context.Context, repository string) bool
}

// Notifier queues ticket mail. Fire-and-forget: the service never
// inspects delivery outcomes.
type Notifier interface {
	QueueMailing(t *ticket.Ticket)
	SendAll()
}

// DiffStatter computes best-effort patchset line statistics.
type DiffStatter interface {
	DiffStat(name, base, tip string) *gitrepo.DiffStat
}

// Hook receives ticket lifecycle callbacks. Every invocation is fault
// isolated: a panicking hook is logged and never aborts the mutation
// that triggered it.
type Hook interface {
	OnNewTicket(t *ticket.Ticket)
	OnUpdateTicket(t *ticket.Ticket, change *ticket.Change)
}

const (
	defaultCacheTTL   = 5 * time.Minute
	defaultCacheSweep = 10 * time.Minute
)

// Service is the ticket store orchestrator. All operations are
// synchronous; callers bring their own timeout policy via ctx.
type Service struct {
	journals  store.JournalStore
	configDir string

	indexer  Indexer
	notifier Notifier
	diff     DiffStatter

	// tickets caches materialized tickets by "repo#number"; configs
	// caches per-repository label/milestone configuration. Entries are
	// invalidated strictly before a journal commit and repopulated only
	// after the commit is durable.
	tickets *gocache.Cache
	configs *gocache.Cache

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
	hooks     []Hook
}

// Option customizes a Service.
type Option func(*Service)

// WithIndexer attaches the external full-text index.
func WithIndexer(indexer Indexer) Option {
	return func(s *Service) { s.indexer = indexer }
}

// WithNotifier attaches the mail notifier.
func WithNotifier(notifier Notifier) Option {
	return func(s *Service) { s.notifier = notifier }
}

// WithDiffStatter enables patchset diff-stat augmentation on reads.
func WithDiffStatter(diff DiffStatter) Option {
	return func(s *Service) { s.diff = diff }
}

// WithCacheTTL overrides the ticket/config cache lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.tickets = gocache.New(ttl, defaultCacheSweep)
		s.configs = gocache.New(ttl, defaultCacheSweep)
	}
}

// New creates the orchestrator over a journal backend. configDir roots
// the per-repository configuration files holding labels and milestones.
func New(journals store.JournalStore, configDir string, opts ...Option) *Service {
	s := &Service{
		journals:  journals,
		configDir: configDir,
		tickets:   gocache.New(defaultCacheTTL, defaultCacheSweep),
		configs:   gocache.New(defaultCacheTTL, defaultCacheSweep),
		repoLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddHook registers a lifecycle hook.
func (s *Service) AddHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// SendNotifications flushes queued mail.
func (s *Service) SendNotifications() {
	if s.notifier != nil {
		s.notifier.SendAll()
	}
}

// repositoryLock serializes per-repository critical sections (config
// read-modify-write). Unrelated repositories never contend.
func (s *Service) repositoryLock(repository string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.repoLocks[repository]
	if !ok {
		lock = &sync.Mutex{}
		s.repoLocks[repository] = lock
	}
	return lock
}

func (s *Service) snapshotHooks() []Hook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Hook(nil), s.hooks...)
}

func (s *Service) fireNewTicket(t *ticket.Ticket) {
	for _, hook := range s.snapshotHooks() {
		invokeHook(t.Repository, t.Number, func() { hook.OnNewTicket(t) })
	}
}

func (s *Service) fireUpdateTicket(t *ticket.Ticket, change *ticket.Change) {
	for _, hook := range s.snapshotHooks() {
		invokeHook(t.Repository, t.Number, func() { hook.OnUpdateTicket(t, change) })
	}
}

func invokeHook(repository string, number int64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("service: hook panicked for %s#%d: %v", repository, number, r)
		}
	}()
	fn()
}
