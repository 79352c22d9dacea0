package ticket

import (
	"strconv"
	"strings"
)

// Build replays a journal in append order and materializes the ticket.
// It is pure: the same journal always yields a field-equal ticket. An
// empty journal returns ErrNoJournal, which callers treat as "the
// ticket does not exist".
func Build(repository string, number int64, changes []*Change) (*Ticket, error) {
	if len(changes) == 0 {
		return nil, ErrNoJournal
	}

	t := &Ticket{
		Repository: repository,
		Number:     number,
		CreatedAt:  changes[0].CreatedAt,
		CreatedBy:  changes[0].Author,
		Status:     StatusNew,
	}

	for _, change := range changes {
		apply(t, change)
	}
	return t, nil
}

func apply(t *Ticket, change *Change) {
	t.UpdatedAt = change.CreatedAt
	t.UpdatedBy = change.Author
	t.Participants = addToSet(t.Participants, change.Author)

	applyFields(t, change)

	if change.Comment != nil {
		applyComment(t, *change.Comment)
	}
	if change.Patchset != nil {
		t.Patchsets = append(t.Patchsets, *change.Patchset)
	}
	if change.Review != nil {
		t.Reviews = append(t.Reviews, *change.Review)
	}
	if change.Reference != nil {
		applyReference(t, *change.Reference)
	}
}

func applyFields(t *Ticket, change *Change) {
	// Collection fields fold deltas; scalars overwrite. Map iteration
	// order does not matter because no two fields alias the same state.
	for field, value := range change.Fields {
		switch field {
		case FieldTitle:
			t.Title = value
		case FieldBody:
			t.Body = value
		case FieldTopic:
			t.Topic = value
		case FieldStatus:
			t.Status = Status(value)
		case FieldResponsible:
			t.Responsible = value
		case FieldMilestone:
			t.Milestone = value
		case FieldType:
			t.Type = Type(value)
		case FieldPriority:
			if n, err := strconv.Atoi(value); err == nil {
				t.Priority = Priority(n)
			}
		case FieldSeverity:
			if n, err := strconv.Atoi(value); err == nil {
				t.Severity = Severity(n)
			}
		case FieldLabels:
			t.Labels = foldTokens(t.Labels, value)
		case FieldWatchers:
			t.Watchers = foldTokens(t.Watchers, value)
		case FieldMentions:
			t.Mentions = foldTokens(t.Mentions, value)
		}
	}
}

func applyComment(t *Ticket, comment Comment) {
	for i := range t.Comments {
		if t.Comments[i].ID != comment.ID {
			continue
		}
		if comment.Deleted {
			t.Comments = append(t.Comments[:i], t.Comments[i+1:]...)
		} else {
			t.Comments[i] = comment
		}
		return
	}
	if !comment.Deleted {
		t.Comments = append(t.Comments, comment)
	}
}

func applyReference(t *Ticket, ref Reference) {
	if ref.Deleted {
		for i := range t.References {
			if t.References[i].Equal(ref) {
				t.References = append(t.References[:i], t.References[i+1:]...)
				return
			}
		}
		return
	}
	for _, existing := range t.References {
		if existing.Equal(ref) {
			return
		}
	}
	t.References = append(t.References, ref)
}

// foldTokens applies a comma-separated delta list to a set, preserving
// first-appearance order. A '-' prefix removes the token.
func foldTokens(set []string, deltas string) []string {
	for _, raw := range strings.Split(deltas, ",") {
		token := strings.TrimSpace(raw)
		if token == "" {
			continue
		}
		if removed, ok := strings.CutPrefix(token, "-"); ok {
			set = removeFromSet(set, removed)
			continue
		}
		set = addToSet(set, token)
	}
	return set
}

func addToSet(set []string, value string) []string {
	for _, existing := range set {
		if existing == value {
			return set
		}
	}
	return append(set, value)
}

func removeFromSet(set []string, value string) []string {
	for i, existing := range set {
		if existing == value {
			return append(set[:i], set[i+1:]...)
		}
	}
	return set
}
