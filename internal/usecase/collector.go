package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/naka-gawa/kuper/internal/domain"
	"github.com/naka-gawa/kuper/internal/gateway"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// detailCache keeps one commit detail per (project, hash) for a run. Concurrent
// lookups of the same key share a single request.
type detailCache struct {
	mu      sync.Mutex
	records map[domain.CommitKey]domain.CommitRecord
	group   singleflight.Group
}

func newDetailCache() *detailCache {
	return &detailCache{records: make(map[domain.CommitKey]domain.CommitRecord)}
}

func (c *detailCache) lookup(key domain.CommitKey) (domain.CommitRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key]
	return rec, ok
}

func (c *detailCache) get(ctx context.Context, fetcher gateway.Fetcher, key domain.CommitKey) (domain.CommitRecord, error) {
	if rec, ok := c.lookup(key); ok {
		return rec, nil
	}
	v, err, _ := c.group.Do(fmt.Sprintf("%d/%s", key.ProjectID, key.Hash), func() (any, error) {
		if rec, ok := c.lookup(key); ok {
			return rec, nil
		}
		rec, err := fetcher.Commit(ctx, key.ProjectID, key.Hash)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.records[key] = rec
		c.mu.Unlock()
		return rec, nil
	})
	if err != nil {
		return domain.CommitRecord{}, err
	}
	return v.(domain.CommitRecord), nil
}

// Collection is what one collection unit produced.
type Collection struct {
	Observations []domain.CommitRecord
	Warnings     []domain.Warning
}

// Collector turns push targets into raw commit observations.
type Collector struct {
	fetcher gateway.Fetcher
	details *detailCache
	logger  logrus.FieldLogger
}

// NewCollector creates a Collector with its own detail cache.
func NewCollector(fetcher gateway.Fetcher, logger logrus.FieldLogger) *Collector {
	return &Collector{fetcher: fetcher, details: newDetailCache(), logger: logger}
}

// Collect lists the commits of every branch in target and fetches their
// detail. Branch and commit failures become warnings; only fatal errors and
// cancellation are returned.
func (c *Collector) Collect(ctx context.Context, user domain.User, target Target, window domain.ActivityWindow) (Collection, error) {
	logger := c.logger.WithFields(logrus.Fields{"user": user.Username, "project": target.Project.Path})
	var out Collection

	branches := []string{target.Branch}
	if target.Branch == "" {
		all, err := c.fetcher.Branches(ctx, target.Project.ID)
		if err != nil {
			if domain.IsFatal(err) || ctx.Err() != nil {
				return Collection{}, err
			}
			logger.WithError(err).Warn("Could not list branches, skipping project")
			out.Warnings = append(out.Warnings, domain.Warning{
				Kind: domain.UnitBranch, Unit: domain.UnitLabel(user.Username, target.Project.Path, "*"), Err: err,
			})
			return out, nil
		}
		branches = all
	}

	for _, branch := range branches {
		hashes, err := c.branchHashes(ctx, user, target, branch, window)
		if err != nil {
			if domain.IsFatal(err) || ctx.Err() != nil {
				return Collection{}, err
			}
			logger.WithError(err).WithField("branch", branch).Warn("Could not list commits, skipping branch")
			out.Warnings = append(out.Warnings, domain.Warning{
				Kind: domain.UnitBranch, Unit: domain.UnitLabel(user.Username, target.Project.Path, branch), Err: err,
			})
			continue
		}
		for _, hash := range hashes {
			rec, err := c.details.get(ctx, c.fetcher, domain.CommitKey{ProjectID: target.Project.ID, Hash: hash})
			if err != nil {
				if domain.IsFatal(err) || ctx.Err() != nil {
					return Collection{}, err
				}
				logger.WithError(err).WithField("commit", hash).Warn("Could not fetch commit details")
				out.Warnings = append(out.Warnings, domain.Warning{
					Kind: domain.UnitCommit, Unit: domain.UnitLabel(target.Project.Path, hash), Err: err,
				})
				continue
			}
			// Date filters on the platform are not reliably inclusive.
			if !window.Contains(rec.AuthoredAt) {
				continue
			}
			rec.ProjectPath = target.Project.Path
			rec.Branches = []string{branch}
			out.Observations = append(out.Observations, rec)
		}
	}
	logger.Debugf("Collected %d commit observations", len(out.Observations))
	return out, nil
}

// branchHashes lists the branch history in the window plus any pushed ranges
// and heads recorded for that branch, each hash once.
func (c *Collector) branchHashes(ctx context.Context, user domain.User, target Target, branch string, window domain.ActivityWindow) ([]string, error) {
	seen := make(map[string]bool)
	var hashes []string
	add := func(list []string) {
		for _, h := range list {
			if !seen[h] {
				seen[h] = true
				hashes = append(hashes, h)
			}
		}
	}

	listed, err := c.fetcher.BranchCommits(ctx, target.Project.ID, branch, user.Name, window)
	if err != nil {
		return nil, err
	}
	add(listed)
	if branch != target.Branch {
		return hashes, nil
	}
	for _, r := range target.Ranges {
		ranged, err := c.fetcher.CompareCommits(ctx, target.Project.ID, r.From, r.To)
		if err != nil {
			return nil, err
		}
		add(ranged)
	}
	add(target.Heads)
	return hashes, nil
}
