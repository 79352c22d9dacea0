package ticket

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func changeAt(author string, offset time.Duration) *Change {
	c := NewChange(author)
	c.CreatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(offset)
	return c
}

func TestBuildEmptyJournal(t *testing.T) {
	_, err := Build("acme/widgets", 1, nil)
	if !errors.Is(err, ErrNoJournal) {
		t.Fatalf("expected ErrNoJournal, got %v", err)
	}
}

func TestBuildFirstChangeSetsIdentity(t *testing.T) {
	create := changeAt("alice", 0)
	create.SetField(FieldTitle, "Crash on startup")

	ticket, err := Build("acme/widgets", 7, []*Change{create})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if ticket.Repository != "acme/widgets" || ticket.Number != 7 {
		t.Errorf("unexpected identity %s#%d", ticket.Repository, ticket.Number)
	}
	if ticket.CreatedBy != "alice" || !ticket.CreatedAt.Equal(create.CreatedAt) {
		t.Errorf("creation metadata not taken from first change")
	}
	if ticket.Status != StatusNew {
		t.Errorf("expected status New, got %s", ticket.Status)
	}
	if ticket.Title != "Crash on startup" {
		t.Errorf("expected title applied, got %q", ticket.Title)
	}
	if !ticket.IsOpen() {
		t.Errorf("new ticket must be open")
	}
}

func TestBuildScalarOverwrite(t *testing.T) {
	create := changeAt("alice", 0)
	create.SetField(FieldTitle, "First title")
	retitle := changeAt("bob", time.Minute)
	retitle.SetField(FieldTitle, "Second title")
	retitle.SetField(FieldStatus, string(StatusFixed))

	ticket, err := Build("acme/widgets", 1, []*Change{create, retitle})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if ticket.Title != "Second title" {
		t.Errorf("later change must overwrite, got %q", ticket.Title)
	}
	if ticket.Status != StatusFixed || ticket.IsOpen() {
		t.Errorf("expected closed Fixed ticket, got %s", ticket.Status)
	}
	if ticket.UpdatedBy != "bob" {
		t.Errorf("expected updatedBy bob, got %q", ticket.UpdatedBy)
	}
}

func TestBuildCollectionFold(t *testing.T) {
	create := changeAt("alice", 0)
	create.SetField(FieldTitle, "t")
	create.AddLabel("bug").AddLabel("ui")
	second := changeAt("alice", time.Minute)
	second.RemoveLabel("ui").AddLabel("regression").AddLabel("bug")

	ticket, err := Build("acme/widgets", 1, []*Change{create, second})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := []string{"bug", "regression"}
	if !reflect.DeepEqual(ticket.Labels, want) {
		t.Errorf("expected labels %v, got %v", want, ticket.Labels)
	}
}

func TestBuildWatchersAndMentions(t *testing.T) {
	create := changeAt("alice", 0)
	create.SetField(FieldTitle, "t")
	create.Watch("alice").Watch("bob")
	second := changeAt("carol", time.Minute)
	second.Unwatch("bob").Mention("dave")

	ticket, err := Build("acme/widgets", 1, []*Change{create, second})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !reflect.DeepEqual(ticket.Watchers, []string{"alice"}) {
		t.Errorf("expected watchers [alice], got %v", ticket.Watchers)
	}
	if !reflect.DeepEqual(ticket.Mentions, []string{"dave"}) {
		t.Errorf("expected mentions [dave], got %v", ticket.Mentions)
	}
}

func TestBuildParticipantsAccumulate(t *testing.T) {
	changes := []*Change{
		changeAt("alice", 0).SetField(FieldTitle, "t"),
		changeAt("bob", time.Minute).SetComment("looks bad"),
		changeAt("alice", 2*time.Minute).SetField(FieldStatus, string(StatusOpen)),
	}
	ticket, err := Build("acme/widgets", 1, changes)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !reflect.DeepEqual(ticket.Participants, []string{"alice", "bob"}) {
		t.Errorf("expected participants [alice bob], got %v", ticket.Participants)
	}
}

func TestBuildCommentEditAndDelete(t *testing.T) {
	create := changeAt("alice", 0).SetField(FieldTitle, "t")
	comment := changeAt("bob", time.Minute).SetComment("original text")
	id := comment.Comment.ID

	edit := changeAt("bob", 2*time.Minute)
	edit.Comment = &Comment{ID: id, Text: "edited text"}

	ticket, err := Build("acme/widgets", 1, []*Change{create, comment, edit})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(ticket.Comments) != 1 || ticket.Comments[0].Text != "edited text" {
		t.Fatalf("expected single edited comment, got %+v", ticket.Comments)
	}

	del := changeAt("bob", 3*time.Minute)
	del.Comment = &Comment{ID: id, Deleted: true}
	ticket, err = Build("acme/widgets", 1, []*Change{create, comment, edit, del})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(ticket.Comments) != 0 {
		t.Fatalf("expected deleted comment removed, got %+v", ticket.Comments)
	}
}

func TestBuildReferenceTombstone(t *testing.T) {
	ref := Reference{TicketNumber: 9, CommentID: "abc"}
	create := changeAt("alice", 0).SetField(FieldTitle, "t")
	add := changeAt("bob", time.Minute).SetReference(ref)
	dup := changeAt("bob", 2*time.Minute).SetReference(ref)

	ticket, err := Build("acme/widgets", 1, []*Change{create, add, dup})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(ticket.References) != 1 {
		t.Fatalf("duplicate reference must collapse, got %+v", ticket.References)
	}

	tomb := ref
	tomb.Deleted = true
	del := changeAt("bob", 3*time.Minute).SetReference(tomb)
	ticket, err = Build("acme/widgets", 1, []*Change{create, add, dup, del})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(ticket.References) != 0 {
		t.Fatalf("tombstoned reference must disappear, got %+v", ticket.References)
	}
}

func TestBuildPatchsetsAndReviews(t *testing.T) {
	create := changeAt("alice", 0).SetField(FieldTitle, "t")
	ps := changeAt("alice", time.Minute).SetPatchset(Patchset{Number: 1, Rev: 1, Tip: "abc", Base: "def"})
	rv := changeAt("bob", 2*time.Minute).SetReview(Review{Patchset: 1, Rev: 1, Score: 2, By: "bob"})

	ticket, err := Build("acme/widgets", 1, []*Change{create, ps, rv})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !ticket.HasPatchsets() {
		t.Fatalf("expected patchset recorded")
	}
	if cur := ticket.CurrentPatchset(); cur == nil || cur.Tip != "abc" {
		t.Errorf("unexpected current patchset %+v", cur)
	}
	if len(ticket.Reviews) != 1 || ticket.Reviews[0].Score != 2 {
		t.Errorf("unexpected reviews %+v", ticket.Reviews)
	}
}

func TestBuildDeterministic(t *testing.T) {
	changes := []*Change{
		changeAt("alice", 0).SetField(FieldTitle, "t").AddLabel("bug"),
		changeAt("bob", time.Minute).SetComment("hi").SetField(FieldPriority, "1"),
		changeAt("alice", 2*time.Minute).RemoveLabel("bug").AddLabel("task"),
	}

	first, err := Build("acme/widgets", 3, changes)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Build("acme/widgets", 3, changes)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("replay %d diverged:\nfirst %+v\nagain %+v", i, first, again)
		}
	}
}

func TestCommentIDStable(t *testing.T) {
	a := changeAt("alice", 0).SetComment("x")
	b := changeAt("alice", 0).SetComment("y")
	if a.Comment.ID != b.Comment.ID {
		t.Errorf("same author and timestamp must derive the same comment id")
	}
	if len(a.Comment.ID) != 16 {
		t.Errorf("expected 16 char comment id, got %q", a.Comment.ID)
	}
	c := changeAt("alice", time.Second).SetComment("x")
	if a.Comment.ID == c.Comment.ID {
		t.Errorf("different timestamps must derive different comment ids")
	}
}
