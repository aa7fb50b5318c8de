package domain

import (
	"fmt"
	"strings"
)

// Unit kinds a Warning can be attached to.
const (
	UnitUser   = "user"
	UnitBranch = "branch"
	UnitCommit = "commit"
	UnitDiff   = "diff"
)

// Warning is a contained, non-fatal failure of one unit of work.
type Warning struct {
	Kind string `json:"kind"`
	Unit string `json:"unit"`
	Err  error  `json:"-"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s %s: %v", w.Kind, w.Unit, w.Err)
}

// Partition holds the deduplicated commits authored by one user, newest first.
type Partition struct {
	User    User           `json:"user"`
	Commits []CommitRecord `json:"commits"`
}

// Summary carries the counts printed after a run.
type Summary struct {
	TotalCommits  int            `json:"total_commits"`
	PerProject    map[string]int `json:"per_project"`
	PerUser       map[string]int `json:"per_user"`
	Additions     int            `json:"additions"`
	Deletions     int            `json:"deletions"`
	MeanChanged   float64        `json:"mean_changed"`
	MedianChanged float64        `json:"median_changed"`
	Unattributed  int            `json:"unattributed"`
}

// AggregationResult is the outcome of a run: one partition per tracked user,
// ordered by username, plus the summary and accumulated warnings.
type AggregationResult struct {
	Partitions []Partition `json:"partitions"`
	Summary    Summary     `json:"summary"`
	Warnings   []Warning   `json:"-"`
}

// Commits returns the partition for username, or nil.
func (r *AggregationResult) Commits(username string) []CommitRecord {
	for _, p := range r.Partitions {
		if p.User.Username == username {
			return p.Commits
		}
	}
	return nil
}

// Skipped returns the usernames whose collection was abandoned.
func (r *AggregationResult) Skipped() []string {
	var users []string
	for _, w := range r.Warnings {
		if w.Kind == UnitUser {
			users = append(users, w.Unit)
		}
	}
	return users
}

// Warn appends a warning.
func (r *AggregationResult) Warn(kind, unit string, err error) {
	r.Warnings = append(r.Warnings, Warning{Kind: kind, Unit: unit, Err: err})
}

// UnitLabel joins unit coordinates the way warnings print them.
func UnitLabel(parts ...string) string {
	return strings.Join(parts, "/")
}
