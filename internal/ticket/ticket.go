// Package ticket defines the journal entities of the ticket tracker and
// the replay algorithm that materializes a Ticket from its journal.
package ticket

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoJournal is returned by Build when the change sequence is empty.
// Callers treat it as "ticket does not exist", not as a fault.
var ErrNoJournal = errors.New("ticket: empty journal")

// Status represents the ticket lifecycle state.
type Status string

const (
	StatusNew       Status = "New"
	StatusOpen      Status = "Open"
	StatusOnHold    Status = "On Hold"
	StatusResolved  Status = "Resolved"
	StatusFixed     Status = "Fixed"
	StatusMerged    Status = "Merged"
	StatusDeclined  Status = "Declined"
	StatusDuplicate Status = "Duplicate"
	StatusInvalid   Status = "Invalid"
	StatusAbandoned Status = "Abandoned"
)

// IsClosed reports whether the status terminates the ticket lifecycle.
func (s Status) IsClosed() bool {
	switch s {
	case StatusFixed, StatusMerged, StatusDeclined, StatusDuplicate, StatusInvalid, StatusAbandoned, StatusResolved:
		return true
	}
	return false
}

// Type categorizes the nature of a ticket.
type Type string

const (
	TypeBug         Type = "Bug"
	TypeEnhancement Type = "Enhancement"
	TypeTask        Type = "Task"
	TypeQuestion    Type = "Question"
	TypeProposal    Type = "Proposal"
	TypeMaintenance Type = "Maintenance"
)

// Priority levels, higher is more urgent.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
	PriorityUrgent Priority = 2
)

// Severity of the issue a ticket reports.
type Severity int

const (
	SeverityUnrated    Severity = 0
	SeverityNegligible Severity = 1
	SeverityMinor      Severity = 2
	SeveritySerious    Severity = 3
	SeverityCritical   Severity = 4
)

// Key identifies a ticket within the whole installation. It is
// comparable, so it can key maps and caches directly.
type Key struct {
	Repository string
	Number     int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.Repository, k.Number)
}

// Label is repository-scoped tag configuration. It lives in repository
// configuration, outside any journal.
type Label struct {
	Name  string `json:"name" yaml:"name"`
	Color string `json:"color,omitempty" yaml:"color,omitempty"`
}

// MilestoneStatus is the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestoneOpen   MilestoneStatus = "Open"
	MilestoneClosed MilestoneStatus = "Closed"
)

// Milestone is repository-scoped release configuration, stored alongside
// labels in repository configuration.
type Milestone struct {
	Name   string          `json:"name" yaml:"name"`
	Color  string          `json:"color,omitempty" yaml:"color,omitempty"`
	Status MilestoneStatus `json:"status" yaml:"status"`
	Due    *time.Time      `json:"due,omitempty" yaml:"due,omitempty"`
}

// Patchset is a named, versioned bundle of commits attached to a ticket.
type Patchset struct {
	Number  int    `json:"number"`
	Rev     int    `json:"rev"`
	Tip     string `json:"tip,omitempty"`
	Base    string `json:"base,omitempty"`
	Commits int    `json:"commits,omitempty"`
	Type    string `json:"type,omitempty"`

	// Insertions/Deletions are best-effort diff-stat annotations overlaid
	// at read time; they are never part of the durable journal payload.
	Insertions int `json:"insertions,omitempty"`
	Deletions  int `json:"deletions,omitempty"`
}

// Review is a score attached to a specific patchset revision.
type Review struct {
	Patchset int    `json:"patchset"`
	Rev      int    `json:"rev"`
	Score    int    `json:"score"`
	By       string `json:"by,omitempty"`
}

// Comment is discussion text attached by a change. Editing or deleting a
// comment appends another change carrying the same comment id.
type Comment struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Reference records that another ticket or a commit referred to this
// ticket. A later change with Deleted=true tombstones it out of the
// rendered view without touching the audit trail.
type Reference struct {
	TicketNumber int64  `json:"ticketNumber,omitempty"`
	CommentID    string `json:"commentId,omitempty"`
	Hash         string `json:"hash,omitempty"`
	Deleted      bool   `json:"deleted,omitempty"`
}

// Equal reports whether two references point at the same origin.
func (r Reference) Equal(other Reference) bool {
	return r.TicketNumber == other.TicketNumber &&
		r.CommentID == other.CommentID &&
		r.Hash == other.Hash
}

// LinkAction describes how a pending link should materialize on the
// target ticket.
type LinkAction string

const (
	LinkComment LinkAction = "Comment"
	LinkCommit  LinkAction = "Commit"
)

// Link is a pending cross-ticket reference recorded on a change. The
// ticket service propagates it to the target ticket's journal as a
// follow-up change and marks Success accordingly.
type Link struct {
	TargetNumber int64      `json:"targetNumber"`
	Action       LinkAction `json:"action"`
	Hash         string     `json:"hash,omitempty"`
	Success      bool       `json:"success,omitempty"`
}

// Ticket is the materialized aggregate reconstructed by replaying a
// journal. It is derived state; the journal is the sole source of truth.
type Ticket struct {
	Repository string    `json:"repository"`
	Number     int64     `json:"number"`
	CreatedAt  time.Time `json:"createdAt"`
	CreatedBy  string    `json:"createdBy"`
	UpdatedAt  time.Time `json:"updatedAt,omitzero"`
	UpdatedBy  string    `json:"updatedBy,omitempty"`

	Title       string   `json:"title"`
	Body        string   `json:"body,omitempty"`
	Topic       string   `json:"topic,omitempty"`
	Responsible string   `json:"responsible,omitempty"`
	Milestone   string   `json:"milestone,omitempty"`
	Status      Status   `json:"status"`
	Type        Type     `json:"type,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	Severity    Severity `json:"severity,omitempty"`

	Labels       []string `json:"labels,omitempty"`
	Watchers     []string `json:"watchers,omitempty"`
	Mentions     []string `json:"mentions,omitempty"`
	Participants []string `json:"participants,omitempty"`

	Comments   []Comment   `json:"comments,omitempty"`
	Patchsets  []Patchset  `json:"patchsets,omitempty"`
	Reviews    []Review    `json:"reviews,omitempty"`
	References []Reference `json:"references,omitempty"`
}

// Key returns the cache key for this ticket.
func (t *Ticket) Key() Key {
	return Key{Repository: t.Repository, Number: t.Number}
}

// IsOpen reports whether the ticket is still in an open state.
func (t *Ticket) IsOpen() bool {
	return !t.Status.IsClosed()
}

// HasPatchsets reports whether any patchset was ever uploaded.
func (t *Ticket) HasPatchsets() bool {
	return len(t.Patchsets) > 0
}

// CurrentPatchset returns the latest patchset or nil.
func (t *Ticket) CurrentPatchset() *Patchset {
	if len(t.Patchsets) == 0 {
		return nil
	}
	return &t.Patchsets[len(t.Patchsets)-1]
}

// HasLabel reports whether the ticket currently carries the label.
func (t *Ticket) HasLabel(name string) bool {
	for _, label := range t.Labels {
		if label == name {
			return true
		}
	}
	return false
}
