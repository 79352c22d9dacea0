package ticket

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Field names a mutable scalar or collection on a ticket. Collection
// fields (labels, watchers, mentions) carry comma-separated tokens where
// a leading '-' removes the token instead of adding it.
type Field string

const (
	FieldTitle       Field = "title"
	FieldBody        Field = "body"
	FieldTopic       Field = "topic"
	FieldStatus      Field = "status"
	FieldResponsible Field = "responsible"
	FieldMilestone   Field = "milestone"
	FieldType        Field = "type"
	FieldPriority    Field = "priority"
	FieldSeverity    Field = "severity"
	FieldLabels      Field = "labels"
	FieldWatchers    Field = "watchers"
	FieldMentions    Field = "mentions"
)

// Change is one immutable event appended to a ticket's journal. It is
// the sole unit of durability; nothing mutates a Change after it is
// committed.
type Change struct {
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`

	Comment      *Comment         `json:"comment,omitempty"`
	Fields       map[Field]string `json:"fields,omitempty"`
	Patchset     *Patchset        `json:"patchset,omitempty"`
	Review       *Review          `json:"review,omitempty"`
	Reference    *Reference       `json:"reference,omitempty"`
	PendingLinks []*Link          `json:"pendingLinks,omitempty"`
}

// NewChange creates a change authored now.
func NewChange(author string) *Change {
	return &Change{
		Author:    author,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// SetField records a scalar mutation. Later changes overwrite earlier
// values for the same field during replay.
func (c *Change) SetField(field Field, value string) *Change {
	if c.Fields == nil {
		c.Fields = make(map[Field]string)
	}
	c.Fields[field] = value
	return c
}

// HasField reports whether this change mutates the field.
func (c *Change) HasField(field Field) bool {
	_, ok := c.Fields[field]
	return ok
}

// Field returns the recorded mutation value for the field.
func (c *Change) Field(field Field) string {
	return c.Fields[field]
}

// IsStatusChange reports whether this change moves the ticket between
// lifecycle states.
func (c *Change) IsStatusChange() bool {
	return c.HasField(FieldStatus)
}

func (c *Change) appendToken(field Field, token string) *Change {
	existing := c.Fields[field]
	if existing == "" {
		return c.SetField(field, token)
	}
	return c.SetField(field, existing+","+token)
}

// AddLabel tags the ticket with a label.
func (c *Change) AddLabel(name string) *Change {
	return c.appendToken(FieldLabels, name)
}

// RemoveLabel untags the ticket.
func (c *Change) RemoveLabel(name string) *Change {
	return c.appendToken(FieldLabels, "-"+name)
}

// Watch subscribes an identity to the ticket.
func (c *Change) Watch(who string) *Change {
	return c.appendToken(FieldWatchers, who)
}

// Unwatch unsubscribes an identity.
func (c *Change) Unwatch(who string) *Change {
	return c.appendToken(FieldWatchers, "-"+who)
}

// Mention records that an identity was mentioned.
func (c *Change) Mention(who string) *Change {
	return c.appendToken(FieldMentions, who)
}

// SetComment attaches discussion text; the comment id is derived from
// the author and timestamp so edits and deletions can target it later.
func (c *Change) SetComment(text string) *Change {
	c.Comment = &Comment{
		ID:   commentID(c.Author, c.CreatedAt),
		Text: text,
	}
	return c
}

// HasComment reports whether the change carries live comment text.
func (c *Change) HasComment() bool {
	return c.Comment != nil && !c.Comment.Deleted && strings.TrimSpace(c.Comment.Text) != ""
}

// SetPatchset attaches a patchset upload descriptor.
func (c *Change) SetPatchset(p Patchset) *Change {
	c.Patchset = &p
	return c
}

// SetReview attaches a review score for a patchset revision.
func (c *Change) SetReview(r Review) *Change {
	if r.By == "" {
		r.By = c.Author
	}
	c.Review = &r
	return c
}

// SetReference attaches an incoming reference descriptor.
func (c *Change) SetReference(r Reference) *Change {
	c.Reference = &r
	return c
}

// Link records a pending cross-ticket link for the service to resolve
// after the change is committed.
func (c *Change) Link(target int64, action LinkAction, hash string) *Change {
	c.PendingLinks = append(c.PendingLinks, &Link{
		TargetNumber: target,
		Action:       action,
		Hash:         hash,
	})
	return c
}

func commentID(author string, at time.Time) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%d", author, at.UnixNano())))
	return hex.EncodeToString(sum[:])[:16]
}
