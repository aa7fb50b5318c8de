package usecase

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/montanaflynn/stats"
	"github.com/naka-gawa/kuper/internal/domain"
)

// Fields compared across observations of one commit, in reporting order.
const (
	fieldAuthorName = 1 << iota
	fieldAuthorEmail
	fieldAuthoredAt
	fieldMessage
	fieldAdditions
	fieldDeletions
)

var fieldNames = []string{"author_name", "author_email", "authored_at", "message", "additions", "deletions"}

type accumulator struct {
	record   domain.CommitRecord
	branches map[string]struct{}
	mismatch int
}

func (a *accumulator) add(obs domain.CommitRecord) {
	for _, b := range obs.Branches {
		a.branches[b] = struct{}{}
	}
	a.mismatch |= diffFields(a.record, obs)
}

func diffFields(a, b domain.CommitRecord) int {
	var mask int
	if a.AuthorName != b.AuthorName {
		mask |= fieldAuthorName
	}
	if a.AuthorEmail != b.AuthorEmail {
		mask |= fieldAuthorEmail
	}
	if !a.AuthoredAt.Equal(b.AuthoredAt) {
		mask |= fieldAuthoredAt
	}
	if a.Message != b.Message {
		mask |= fieldMessage
	}
	if a.Additions != b.Additions {
		mask |= fieldAdditions
	}
	if a.Deletions != b.Deletions {
		mask |= fieldDeletions
	}
	return mask
}

// firstField names the lowest differing field, which is independent of the
// order the observations arrived in.
func firstField(mask int) string {
	for i, name := range fieldNames {
		if mask&(1<<i) != 0 {
			return name
		}
	}
	return ""
}

// Deduplicate merges raw observations by (project, hash), attributes each
// commit to the tracked user who authored it and orders every partition by
// authored time descending, hash ascending. The input is not modified.
func Deduplicate(observations []domain.CommitRecord, users []domain.User) *domain.AggregationResult {
	groups := make(map[domain.CommitKey]*accumulator)
	for _, obs := range observations {
		key := obs.Key()
		acc, ok := groups[key]
		if !ok {
			acc = &accumulator{record: obs, branches: make(map[string]struct{})}
			groups[key] = acc
		}
		acc.add(obs)
	}

	keys := make([]domain.CommitKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b domain.CommitKey) int {
		return cmp.Or(cmp.Compare(a.ProjectID, b.ProjectID), cmp.Compare(a.Hash, b.Hash))
	})

	tracked := slices.Clone(users)
	slices.SortFunc(tracked, func(a, b domain.User) int { return cmp.Compare(a.Username, b.Username) })

	result := &domain.AggregationResult{}
	byUser := make(map[string][]domain.CommitRecord, len(tracked))
	for _, key := range keys {
		acc := groups[key]
		if acc.mismatch != 0 {
			result.Warn(domain.UnitCommit, domain.UnitLabel(acc.record.ProjectPath, key.Hash),
				&domain.DataInconsistencyError{Key: key, Field: firstField(acc.mismatch)})
			continue
		}
		owner, ok := attribute(tracked, acc.record)
		if !ok {
			result.Summary.Unattributed++
			continue
		}
		record := acc.record
		record.Author = owner
		record.Branches = sortedBranches(acc.branches)
		byUser[owner] = append(byUser[owner], record)
	}

	for _, u := range tracked {
		commits := byUser[u.Username]
		slices.SortFunc(commits, compareCommits)
		result.Partitions = append(result.Partitions, domain.Partition{User: u, Commits: commits})
	}
	summarize(result)
	return result
}

func attribute(users []domain.User, c domain.CommitRecord) (string, bool) {
	for _, u := range users {
		if u.Authored(c.AuthorName, c.AuthorEmail) {
			return u.Username, true
		}
	}
	return "", false
}

func sortedBranches(set map[string]struct{}) []string {
	branches := make([]string, 0, len(set))
	for b := range set {
		branches = append(branches, b)
	}
	slices.Sort(branches)
	return branches
}

func compareCommits(a, b domain.CommitRecord) int {
	if c := b.AuthoredAt.Compare(a.AuthoredAt); c != 0 {
		return c
	}
	return cmp.Or(cmp.Compare(a.Hash, b.Hash), cmp.Compare(a.ProjectID, b.ProjectID))
}

func summarize(result *domain.AggregationResult) {
	s := &result.Summary
	s.PerProject = make(map[string]int)
	s.PerUser = make(map[string]int)
	var changed stats.Float64Data
	for _, p := range result.Partitions {
		s.PerUser[p.User.Username] = len(p.Commits)
		for _, c := range p.Commits {
			s.TotalCommits++
			s.PerProject[projectLabel(c)]++
			s.Additions += c.Additions
			s.Deletions += c.Deletions
			changed = append(changed, float64(c.Changed()))
		}
	}
	if len(changed) == 0 {
		return
	}
	s.MeanChanged, _ = stats.Mean(changed)
	s.MedianChanged, _ = stats.Median(changed)
}

func projectLabel(c domain.CommitRecord) string {
	if c.ProjectPath != "" {
		return c.ProjectPath
	}
	return strconv.Itoa(c.ProjectID)
}
