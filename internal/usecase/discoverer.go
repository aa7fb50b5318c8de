package usecase

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/naka-gawa/kuper/internal/domain"
	"github.com/naka-gawa/kuper/internal/gateway"
	"github.com/sirupsen/logrus"
)

// Range is a pushed commit range, From exclusive.
type Range struct {
	From string
	To   string
}

// Target is one project branch a user pushed to inside the window. An empty
// Branch asks for a scan of every branch in the project.
type Target struct {
	Project domain.Project
	Branch  string
	Ranges  []Range
	Heads   []string
}

// ExcludeFunc returns the exclude rule matching a project path.
type ExcludeFunc func(projectPath string) (string, bool)

// projectCache resolves project metadata once per run and remembers which
// excluded projects were already reported.
type projectCache struct {
	mu       sync.Mutex
	projects map[int]domain.Project
	reported map[string]bool
}

func newProjectCache() *projectCache {
	return &projectCache{projects: make(map[int]domain.Project), reported: make(map[string]bool)}
}

func (c *projectCache) get(ctx context.Context, fetcher gateway.Fetcher, id int, logger logrus.FieldLogger) (domain.Project, error) {
	c.mu.Lock()
	p, ok := c.projects[id]
	c.mu.Unlock()
	if ok {
		return p, nil
	}
	p, err := fetcher.Project(ctx, id)
	if err != nil {
		if domain.IsFatal(err) || ctx.Err() != nil {
			return domain.Project{}, err
		}
		logger.WithError(err).WithField("project", id).Warn("Could not resolve project details")
		p = domain.Project{ID: id, Path: fmt.Sprintf("unknown-project-%d", id)}
	}
	c.mu.Lock()
	c.projects[id] = p
	c.mu.Unlock()
	return p, nil
}

// firstReport reports whether path is being excluded for the first time.
func (c *projectCache) firstReport(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reported[path] {
		return false
	}
	c.reported[path] = true
	return true
}

// Discoverer finds the projects and branches a user pushed to.
type Discoverer struct {
	fetcher  gateway.Fetcher
	projects *projectCache
	exclude  ExcludeFunc
	logger   logrus.FieldLogger
}

// NewDiscoverer creates a Discoverer. exclude may be nil.
func NewDiscoverer(fetcher gateway.Fetcher, exclude ExcludeFunc, logger logrus.FieldLogger) *Discoverer {
	return newDiscoverer(fetcher, newProjectCache(), exclude, logger)
}

func newDiscoverer(fetcher gateway.Fetcher, projects *projectCache, exclude ExcludeFunc, logger logrus.FieldLogger) *Discoverer {
	if exclude == nil {
		exclude = func(string) (string, bool) { return "", false }
	}
	return &Discoverer{fetcher: fetcher, projects: projects, exclude: exclude, logger: logger}
}

// Discover walks the user's push events, newest first, and folds them into
// one Target per (project, branch), ordered by project then branch.
func (d *Discoverer) Discover(ctx context.Context, user domain.User, window domain.ActivityWindow) ([]Target, error) {
	type targetKey struct {
		project int
		branch  string
	}
	logger := d.logger.WithField("user", user.Username)
	targets := make(map[targetKey]*Target)

	for ev, err := range d.fetcher.PushEvents(ctx, user.Username, window) {
		if err != nil {
			return nil, err
		}
		if ev.CreatedAt.Before(window.Start) {
			break
		}
		if ev.RefType == "tag" {
			continue
		}
		project, err := d.projects.get(ctx, d.fetcher, ev.ProjectID, logger)
		if err != nil {
			return nil, err
		}
		if rule, ok := d.exclude(project.Path); ok {
			if d.projects.firstReport(project.Path) {
				logger.Infof("Skipping repository '%s' because it matches exclude rule '%s'.", project.Path, rule)
			}
			continue
		}

		key := targetKey{project: project.ID, branch: ev.Ref}
		t, ok := targets[key]
		if !ok {
			t = &Target{Project: project, Branch: ev.Ref}
			targets[key] = t
		}
		if ev.Ref == "" || ev.CommitCount == 0 || ev.CommitTo == "" {
			continue
		}
		if isSHA(ev.CommitFrom) && ev.CommitCount > 1 {
			t.Ranges = append(t.Ranges, Range{From: ev.CommitFrom, To: ev.CommitTo})
		} else {
			t.Heads = append(t.Heads, ev.CommitTo)
		}
	}

	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		out = append(out, *t)
	}
	slices.SortFunc(out, func(a, b Target) int {
		return cmp.Or(cmp.Compare(a.Project.ID, b.Project.ID), cmp.Compare(a.Branch, b.Branch))
	})
	logger.Debugf("Discovered %d push targets", len(out))
	return out, nil
}

// isSHA rejects empty refs and the all-zero sha GitLab sends for new branches.
func isSHA(ref string) bool {
	return ref != "" && strings.Trim(ref, "0") != ""
}
