package search

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"ticketforge/server/internal/ticket"
)

func TestDocumentID(t *testing.T) {
	cases := []struct {
		repository string
		number     int64
		want       string
	}{
		{"acme/widgets", 7, "acme_widgets-7"},
		{"plain", 1, "plain-1"},
		{"with.dots/and spaces", 42, "with_dots_and_spaces-42"},
		{"already_ok-name", 3, "already_ok-name-3"},
	}
	for _, tc := range cases {
		if got := DocumentID(tc.repository, tc.number); got != tc.want {
			t.Errorf("DocumentID(%q, %d) = %q, want %q", tc.repository, tc.number, got, tc.want)
		}
	}
}

func TestTranslateFilter(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"status:open", `status = "open"`},
		{"type:ticket AND status:open", `type = "ticket" AND status = "open"`},
		{"status:New OR status:Open", `status = "New" OR status = "Open"`},
		{"type:ticket AND NOT status:Fixed", `type = "ticket" AND NOT status = "Fixed"`},
		{"type:ticket OR (status:New OR status:Open)", `type = "ticket" OR (status = "New" OR status = "Open")`},
		{"(a:1 OR b:2) AND (c:3 OR d:4)", `(a = "1" OR b = "2") AND (c = "3" OR d = "4")`},
		{"status:On Hold", `status = "On Hold"`},
		{"repository:acme/widgets AND (status:New OR status:On Hold)",
			`repository = "acme/widgets" AND (status = "New" OR status = "On Hold")`},
		{"freeword", "freeword"},
	}
	for _, tc := range cases {
		if got := TranslateFilter(tc.in); got != tc.want {
			t.Errorf("TranslateFilter(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCollectDocumentIDsWalksEveryPage(t *testing.T) {
	// two full pages plus a short tail; the walk must not revisit
	// offset 0 and must return every id exactly once
	total := scanLimit*2 + 5
	var offsets []int
	page := func(offset int) ([]meili.Hit, error) {
		offsets = append(offsets, offset)
		hits := make([]meili.Hit, 0, scanLimit)
		for i := offset; i < offset+scanLimit && i < total; i++ {
			id, _ := json.Marshal(fmt.Sprintf("doc-%d", i))
			hits = append(hits, meili.Hit{"id": id})
		}
		return hits, nil
	}

	ids, err := collectDocumentIDs(page)
	if err != nil {
		t.Fatalf("collectDocumentIDs failed: %v", err)
	}
	if len(ids) != total {
		t.Fatalf("expected %d ids, got %d", total, len(ids))
	}
	seen := make(map[string]bool, total)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("id %s collected twice", id)
		}
		seen[id] = true
	}
	wantOffsets := []int{0, scanLimit, 2 * scanLimit}
	if len(offsets) != len(wantOffsets) {
		t.Fatalf("expected offsets %v, got %v", wantOffsets, offsets)
	}
	for i, want := range wantOffsets {
		if offsets[i] != want {
			t.Fatalf("expected offsets %v, got %v", wantOffsets, offsets)
		}
	}
}

func TestToResultFlattens(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tk := &ticket.Ticket{
		Repository: "acme/widgets",
		Number:     7,
		Title:      "Crash",
		Status:     ticket.StatusOpen,
		Type:       ticket.TypeBug,
		CreatedBy:  "alice",
		CreatedAt:  created,
		Labels:     []string{"bug", "ui"},
		Priority:   ticket.PriorityHigh,
		Severity:   ticket.SeveritySerious,
		Comments:   []ticket.Comment{{ID: "a", Text: "x"}},
		Patchsets:  []ticket.Patchset{{Number: 1, Rev: 1}},
	}
	r := toResult(tk)
	if r.ID != "acme_widgets-7" || r.Repository != "acme/widgets" || r.Number != 7 {
		t.Errorf("identity lost: %+v", r)
	}
	if r.Status != "Open" || r.Type != "Bug" {
		t.Errorf("enums must flatten to strings: %+v", r)
	}
	if r.Priority != 1 || r.Severity != 3 {
		t.Errorf("numeric levels must flatten: %+v", r)
	}
	if r.Comments != 1 || r.Patchsets != 1 {
		t.Errorf("collections must flatten to counts: %+v", r)
	}
	if !r.CreatedAt.Equal(created) {
		t.Errorf("timestamp lost: %+v", r)
	}
}
