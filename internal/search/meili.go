package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"ticketforge/server/internal/ticket"
)

const (
	idxTickets = "ticketforge_tickets"

	// page size for maintenance scans over the index
	scanLimit = 200
)

// Meili implements Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the ticket
// index. The client degrades to returning errors per operation while
// the engine is unreachable and recovers via a background health loop.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxTickets,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxTickets, err)
	}

	index := m.client.Index(idxTickets)
	filterable := []interface{}{
		"repository", "number", "status", "type", "createdBy",
		"responsible", "milestone", "topic", "labels", "priority", "severity",
	}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs: %v", err)
	}
	searchable := []string{"title", "body", "topic", "createdBy", "responsible"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs: %v", err)
	}
	sortable := []string{SortCreated, SortUpdated, SortNumber, SortPriority, SortSeverity}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Printf("search: update sortable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// DocumentID builds the index primary key for a ticket. Meilisearch ids
// only allow [A-Za-z0-9_-], so the repository name is slugged.
func DocumentID(repository string, number int64) string {
	slug := make([]rune, 0, len(repository))
	for _, r := range repository {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			slug = append(slug, r)
			continue
		}
		slug = append(slug, '_')
	}
	return fmt.Sprintf("%s-%d", string(slug), number)
}

func toResult(t *ticket.Ticket) Result {
	return Result{
		ID:          DocumentID(t.Repository, t.Number),
		Repository:  t.Repository,
		Number:      t.Number,
		Title:       t.Title,
		Body:        t.Body,
		Status:      string(t.Status),
		Type:        string(t.Type),
		CreatedBy:   t.CreatedBy,
		Responsible: t.Responsible,
		Milestone:   t.Milestone,
		Topic:       t.Topic,
		Labels:      t.Labels,
		Priority:    int(t.Priority),
		Severity:    int(t.Severity),
		Patchsets:   len(t.Patchsets),
		Comments:    len(t.Comments),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func (m *Meili) Index(ctx context.Context, tickets ...*ticket.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	if !m.healthy.Load() {
		return fmt.Errorf("meilisearch unhealthy")
	}
	records := make([]Result, 0, len(tickets))
	for _, t := range tickets {
		records = append(records, toResult(t))
	}
	if _, err := m.client.Index(idxTickets).AddDocuments(records, nil); err != nil {
		return fmt.Errorf("index tickets: %w", err)
	}
	return nil
}

func (m *Meili) Delete(ctx context.Context, t *ticket.Ticket) error {
	if !m.healthy.Load() {
		return fmt.Errorf("meilisearch unhealthy")
	}
	if _, err := m.client.Index(idxTickets).DeleteDocument(DocumentID(t.Repository, t.Number), nil); err != nil {
		return fmt.Errorf("delete ticket document: %w", err)
	}
	return nil
}

// DeleteAll removes every indexed ticket, or every ticket of one
// repository when the name is non-empty. Deletions are queued tasks on
// the engine side, so the index is enumerated completely before the
// first delete is issued; an interleaved re-query would keep seeing
// the not-yet-processed documents. Reindex is the only caller and runs
// as a maintenance pass.
func (m *Meili) DeleteAll(ctx context.Context, repository string) error {
	if !m.healthy.Load() {
		return fmt.Errorf("meilisearch unhealthy")
	}
	var filter string
	if repository != "" {
		filter = fmt.Sprintf("repository = %q", repository)
	}

	ids, err := collectDocumentIDs(func(offset int) ([]meili.Hit, error) {
		return m.query("", filter, offset, scanLimit, "", false)
	})
	if err != nil {
		return fmt.Errorf("enumerate index: %w", err)
	}

	index := m.client.Index(idxTickets)
	for _, id := range ids {
		if _, err := index.DeleteDocument(id, nil); err != nil {
			return fmt.Errorf("delete document %s: %w", id, err)
		}
	}
	return nil
}

func (m *Meili) HasTickets(ctx context.Context, repository string) bool {
	if !m.healthy.Load() {
		return false
	}
	hits, err := m.query("", fmt.Sprintf("repository = %q", repository), 0, 1, "", false)
	return err == nil && len(hits) > 0
}

func (m *Meili) SearchFor(ctx context.Context, repository, text string, page, pageSize int) ([]Result, error) {
	var filter string
	if repository != "" {
		filter = fmt.Sprintf("repository = %q", repository)
	}
	return m.search(text, filter, page, pageSize, "", false)
}

func (m *Meili) QueryFor(ctx context.Context, q string, page, pageSize int, sortBy string, descending bool) ([]Result, error) {
	return m.search("", TranslateFilter(q), page, pageSize, sortBy, descending)
}

func (m *Meili) search(text, filter string, page, pageSize int, sortBy string, descending bool) ([]Result, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if pageSize <= 0 {
		pageSize = 25
	}
	if page < 1 {
		page = 1
	}

	hits, err := m.query(text, filter, (page-1)*pageSize, pageSize, sortBy, descending)
	if err != nil {
		m.healthy.Store(false)
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		record, err := decodeResult(hit)
		if err != nil {
			continue
		}
		results = append(results, record)
	}
	return results, nil
}

func (m *Meili) query(text, filter string, offset, limit int, sortBy string, descending bool) ([]meili.Hit, error) {
	request := &meili.SearchRequest{
		IndexUID: idxTickets,
		Query:    text,
		Limit:    int64(limit),
		Offset:   int64(offset),
	}
	if filter != "" {
		request.Filter = filter
	}
	if sortBy != "" {
		direction := "asc"
		if descending {
			direction = "desc"
		}
		request.Sort = []string{sortBy + ":" + direction}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{request},
	})
	if err != nil {
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return resp.Results[0].Hits, nil
}

// decodeResult converts a raw hit back into the flattened read model.
func decodeResult(hit meili.Hit) (Result, error) {
	raw, err := json.Marshal(hit)
	if err != nil {
		return Result{}, err
	}
	var record Result
	if err := json.Unmarshal(raw, &record); err != nil {
		return Result{}, err
	}
	return record, nil
}

// collectDocumentIDs walks every result page and gathers the document
// ids. page fetches one batch of up to scanLimit hits at the given
// offset; a short batch ends the walk.
func collectDocumentIDs(page func(offset int) ([]meili.Hit, error)) ([]string, error) {
	var ids []string
	for offset := 0; ; offset += scanLimit {
		hits, err := page(offset)
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			if id := decodeString(hit, "id"); id != "" {
				ids = append(ids, id)
			}
		}
		if len(hits) < scanLimit {
			return ids, nil
		}
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// TranslateFilter rewrites field:value conditions produced by the query
// package into Meilisearch filter syntax (field = "value"). Boolean
// operators and parentheses pass through unchanged. Conditions are cut
// at operator boundaries, not at spaces, so values like "On Hold"
// survive whole.
func TranslateFilter(q string) string {
	if q == "" {
		return ""
	}
	var out strings.Builder
	rest := q
	for {
		idx, op := nextOperator(rest)
		cond := rest
		if idx >= 0 {
			cond = rest[:idx]
		}
		out.WriteString(translateCondition(cond))
		if idx < 0 {
			return out.String()
		}
		out.WriteString(op)
		rest = rest[idx+len(op):]
	}
}

func nextOperator(q string) (int, string) {
	for i := 0; i < len(q); i++ {
		for _, op := range [...]string{" AND NOT ", " AND ", " OR "} {
			if strings.HasPrefix(q[i:], op) {
				return i, op
			}
		}
	}
	return -1, ""
}

func translateCondition(cond string) string {
	prefix := ""
	rest := cond
	for strings.HasPrefix(rest, "(") {
		prefix += "("
		rest = rest[1:]
	}
	suffix := ""
	for strings.HasSuffix(rest, ")") {
		suffix += ")"
		rest = rest[:len(rest)-1]
	}
	field, value, ok := strings.Cut(rest, ":")
	if !ok || field == "" || value == "" {
		return cond
	}
	return prefix + fmt.Sprintf("%s = %q", field, value) + suffix
}
