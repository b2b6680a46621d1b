package activity

import (
	"fmt"
	"time"
)

// Repository is one upstream repository discovered through workspace listing.
type Repository struct {
	Workspace string    `json:"workspace"`
	Name      string    `json:"name"`
	Language  string    `json:"language,omitempty"`
	UpdatedOn time.Time `json:"updated_on"`
	Enabled   bool      `json:"enabled"`
	Primary   bool      `json:"primary"`
}

// FullName returns the workspace-qualified repository identity.
func (r Repository) FullName() string {
	return r.Workspace + "/" + r.Name
}

// PullRequest is an intermediate fetch record. It is immutable after
// creation and discarded after reconciliation unless it is emitted as a
// PR-shaped item in its own right.
type PullRequest struct {
	ID           int
	Title        string
	Author       string
	CreatedOn    time.Time
	UpdatedOn    time.Time
	CommitsURL   string
	Ticket       string
	TicketSource string
}

// Commit is an intermediate fetch record for a single commit.
type Commit struct {
	Hash      string
	Date      time.Time
	RawAuthor string
	Message   string
	Ticket    string
	PR        *PullRequest
}

// Item is the canonical, externally visible activity record. An item is
// either commit-shaped (Hash set) or PR-shaped (PRID set, Hash empty).
type Item struct {
	Repository string `json:"repository"`

	Hash       string    `json:"commit_hash,omitempty"`
	CommitDate time.Time `json:"commit_date,omitzero"`
	RawAuthor  string    `json:"raw_author,omitempty"`
	Message    string    `json:"message,omitempty"`

	PRID        int       `json:"pr_id,omitempty"`
	PRTitle     string    `json:"pr_title,omitempty"`
	PRAuthor    string    `json:"pr_author,omitempty"`
	PRCreatedOn time.Time `json:"pr_created_on,omitzero"`
	PRUpdatedOn time.Time `json:"pr_updated_on,omitzero"`

	Ticket       string `json:"ticket,omitempty"`
	TicketSource string `json:"ticket_source,omitempty"`
	Branch       string `json:"branch,omitempty"`
}

// IdentityKey derives the deduplication identity for an item.
func (i Item) IdentityKey() string {
	if i.Hash != "" {
		return fmt.Sprintf("commit:%s:%s", i.Repository, i.Hash)
	}
	return fmt.Sprintf("pr:%s:%d", i.Repository, i.PRID)
}

// IsCommitShaped reports whether the item represents a single commit.
func (i Item) IsCommitShaped() bool {
	return i.Hash != ""
}
