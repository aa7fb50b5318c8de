// Package report renders an AggregationResult for people: a console summary,
// a self-contained HTML report and a spreadsheet export.
package report

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/naka-gawa/kuper/internal/domain"
)

const timeLayout = "2006-01-02 15:04"

// WriteSummary prints every user's commits grouped by repository, followed by
// the summary counts and any warnings.
func WriteSummary(w io.Writer, result *domain.AggregationResult) error {
	bw := bufio.NewWriter(w)

	if result.Summary.TotalCommits == 0 {
		fmt.Fprintln(bw, "No new commits found for the tracked users in the specified period.")
	}
	for _, p := range result.Partitions {
		if len(p.Commits) == 0 {
			continue
		}
		fmt.Fprintf(bw, "\n##### USER: %s\n", userLabel(p.User))
		for _, repo := range byRepository(p.Commits) {
			fmt.Fprintf(bw, "\n===== REPOSITORY: %s\n", repo.Path)
			for _, c := range repo.Commits {
				fmt.Fprintf(bw, "%s  |  %s  |  %s  |  %s  |  '%s'\n",
					c.AuthoredAt.UTC().Format(timeLayout), c.ShortHash, c.WebURL, strings.Join(c.Branches, ", "), c.Title())
			}
		}
	}

	s := result.Summary
	fmt.Fprintf(bw, "\nTotal: %s commit(s), +%s/-%s lines, median %.1f changed lines per commit\n",
		humanize.Comma(int64(s.TotalCommits)), humanize.Comma(int64(s.Additions)), humanize.Comma(int64(s.Deletions)), s.MedianChanged)
	for _, project := range sortedKeys(s.PerProject) {
		fmt.Fprintf(bw, "  %s: %d\n", project, s.PerProject[project])
	}
	if s.Unattributed > 0 {
		fmt.Fprintf(bw, "%d commit(s) by untracked authors were ignored\n", s.Unattributed)
	}
	if skipped := result.Skipped(); len(skipped) > 0 {
		fmt.Fprintf(bw, "%d user(s) skipped due to errors: %s\n", len(skipped), strings.Join(skipped, ", "))
	}
	if len(result.Warnings) > 0 {
		fmt.Fprintln(bw, "Warnings:")
		for _, warning := range result.Warnings {
			fmt.Fprintf(bw, "  - %s\n", warning)
		}
	}
	return bw.Flush()
}

func userLabel(u domain.User) string {
	if u.Name == "" || u.Name == u.Username {
		return u.Username
	}
	return fmt.Sprintf("%s (%s)", u.Username, u.Name)
}

// Repository is one project's slice of a partition, newest first.
type Repository struct {
	Path    string
	Commits []domain.CommitRecord
}

// byRepository groups commits by project path, keeping their order inside
// each group. Groups are sorted by path.
func byRepository(commits []domain.CommitRecord) []Repository {
	index := make(map[string]int)
	var repos []Repository
	for _, c := range commits {
		i, ok := index[c.ProjectPath]
		if !ok {
			i = len(repos)
			index[c.ProjectPath] = i
			repos = append(repos, Repository{Path: c.ProjectPath})
		}
		repos[i].Commits = append(repos[i].Commits, c)
	}
	slices.SortFunc(repos, func(a, b Repository) int { return strings.Compare(a.Path, b.Path) })
	return repos
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
