package domain

import (
	"slices"
	"strings"
	"time"
)

// CommitKey is the identity of a commit: the same hash in the same project is
// the same commit no matter which branch listing produced it.
type CommitKey struct {
	ProjectID int
	Hash      string
}

// Project is the subset of project metadata the reports need.
type Project struct {
	ID     int    `json:"id"`
	Path   string `json:"path"`
	WebURL string `json:"web_url"`
}

// PushEvent is a push discovered through the events API.
type PushEvent struct {
	ProjectID   int
	Ref         string
	RefType     string
	CommitFrom  string
	CommitTo    string
	CommitCount int
	CreatedAt   time.Time
}

// CommitRecord is one commit. Before aggregation each record is a single
// observation and Branches holds one name; after aggregation Branches is the
// sorted union of all observations.
type CommitRecord struct {
	Hash        string    `json:"hash"`
	ShortHash   string    `json:"short_hash"`
	Author      string    `json:"author"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
	AuthoredAt  time.Time `json:"authored_at"`
	Message     string    `json:"message"`
	ProjectID   int       `json:"project_id"`
	ProjectPath string    `json:"project_path"`
	Branches    []string  `json:"branches"`
	Additions   int       `json:"additions"`
	Deletions   int       `json:"deletions"`
	WebURL      string    `json:"web_url"`
}

// Key returns the record's identity.
func (c CommitRecord) Key() CommitKey {
	return CommitKey{ProjectID: c.ProjectID, Hash: c.Hash}
}

// Title is the first line of the commit message.
func (c CommitRecord) Title() string {
	title, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
	return strings.TrimSpace(title)
}

// OnBranch reports whether the commit was observed on branch.
func (c CommitRecord) OnBranch(branch string) bool {
	return slices.Contains(c.Branches, branch)
}

// Changed is the number of changed lines.
func (c CommitRecord) Changed() int {
	return c.Additions + c.Deletions
}
