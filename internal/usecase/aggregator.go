// Package usecase contains the business logic of the application.
package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/naka-gawa/kuper/internal/domain"
	"github.com/naka-gawa/kuper/internal/gateway"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DiffUnavailable replaces a diff that could not be fetched.
const DiffUnavailable = "Could not retrieve diff."

// Options tunes an Aggregator.
type Options struct {
	Concurrency int
	Exclude     ExcludeFunc
}

// Aggregator is the use case for collecting and aggregating GitLab commits.
// It orchestrates discovery and collection over a bounded worker pool and
// reduces the observations with Deduplicate.
type Aggregator struct {
	fetcher     gateway.Fetcher
	discoverer  *Discoverer
	collector   *Collector
	concurrency int
	logger      logrus.FieldLogger
}

// NewAggregator creates a new Aggregator instance.
func NewAggregator(fetcher gateway.Fetcher, opts Options, logger logrus.FieldLogger) *Aggregator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Aggregator{
		fetcher:     fetcher,
		discoverer:  NewDiscoverer(fetcher, opts.Exclude, logger),
		collector:   NewCollector(fetcher, logger),
		concurrency: opts.Concurrency,
		logger:      logger,
	}
}

type userUnit struct {
	user    domain.User
	targets []Target
	err     error
}

type collectUnit struct {
	user   domain.User
	target Target
	result Collection
}

// Aggregate performs the main business logic. Failures local to one user or
// branch are carried as warnings in the result; config and auth errors,
// cancellation, and the failure of every user abort the run.
func (a *Aggregator) Aggregate(ctx context.Context, users []domain.User, window domain.ActivityWindow) (*domain.AggregationResult, error) {
	a.logger.Infof("Collecting commits of %d user(s) from %s to %s...",
		len(users), window.Start.Format("2006-01-02 15:04"), window.End.Format("2006-01-02 15:04"))

	discovered, err := a.discover(ctx, users, window)
	if err != nil {
		return nil, err
	}

	var units []*collectUnit
	var warnings []domain.Warning
	// Skipped users stay attributable under their configured identity.
	owners := make([]domain.User, 0, len(discovered))
	var failures []error
	for _, u := range discovered {
		owners = append(owners, u.user)
		if u.err != nil {
			warnings = append(warnings, domain.Warning{Kind: domain.UnitUser, Unit: u.user.Username, Err: u.err})
			failures = append(failures, u.err)
			continue
		}
		for _, t := range u.targets {
			units = append(units, &collectUnit{user: u.user, target: t})
		}
	}
	if len(users) > 0 && len(failures) == len(users) {
		return nil, fmt.Errorf("%w: %w", domain.ErrAllUnitsFailed, errors.Join(failures...))
	}

	if err := a.collect(ctx, units, window); err != nil {
		return nil, err
	}

	var observations []domain.CommitRecord
	for _, u := range units {
		observations = append(observations, u.result.Observations...)
		warnings = append(warnings, u.result.Warnings...)
	}
	result := Deduplicate(observations, owners)
	for _, w := range result.Warnings {
		a.logger.WithField("unit", w.Unit).Warnf("Excluding inconsistent commit: %v", w.Err)
	}
	result.Warnings = append(warnings, result.Warnings...)

	a.logger.Infof("Aggregation complete: %d commit(s), %d warning(s).", result.Summary.TotalCommits, len(result.Warnings))
	return result, nil
}

// discover resolves and discovers every user. A non-fatal failure is stored
// on the unit so that user is skipped.
func (a *Aggregator) discover(ctx context.Context, users []domain.User, window domain.ActivityWindow) ([]userUnit, error) {
	out := make([]userUnit, len(users))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(a.concurrency)
	for i, tracked := range users {
		eg.Go(func() error {
			logger := a.logger.WithField("user", tracked.Username)
			user, targets, err := a.discoverUser(egCtx, tracked, window)
			if err != nil {
				if domain.IsFatal(err) || egCtx.Err() != nil {
					return err
				}
				logger.WithError(err).Warn("Skipping user")
			}
			out[i] = userUnit{user: user, targets: targets, err: err}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, ctx.Err()
}

func (a *Aggregator) discoverUser(ctx context.Context, tracked domain.User, window domain.ActivityWindow) (domain.User, []Target, error) {
	user, err := a.fetcher.ResolveUser(ctx, tracked.Username)
	if err != nil {
		return tracked, nil, err
	}
	user.Emails = mergeEmails(tracked.Emails, user.Emails)
	targets, err := a.discoverer.Discover(ctx, user, window)
	if err != nil {
		return user, nil, err
	}
	return user, targets, nil
}

func (a *Aggregator) collect(ctx context.Context, units []*collectUnit, window domain.ActivityWindow) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(a.concurrency)
	for _, u := range units {
		eg.Go(func() error {
			res, err := a.collector.Collect(egCtx, u.user, u.target, window)
			if err != nil {
				return err
			}
			u.result = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// FetchDiffs fetches the unified diff of every aggregated commit. A failed diff
// is replaced by DiffUnavailable and recorded as a warning on result.
func (a *Aggregator) FetchDiffs(ctx context.Context, result *domain.AggregationResult) (map[domain.CommitKey]string, error) {
	var commits []domain.CommitRecord
	for _, p := range result.Partitions {
		commits = append(commits, p.Commits...)
	}
	a.logger.Infof("Fetching diffs of %d commit(s)...", len(commits))

	diffs := make([]string, len(commits))
	errs := make([]error, len(commits))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(a.concurrency)
	for i, c := range commits {
		eg.Go(func() error {
			diff, err := a.fetcher.CommitDiff(egCtx, c.ProjectID, c.Hash)
			if err != nil && (domain.IsFatal(err) || egCtx.Err() != nil) {
				return err
			}
			diffs[i], errs[i] = diff, err
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[domain.CommitKey]string, len(commits))
	for i, c := range commits {
		if errs[i] != nil {
			a.logger.WithError(errs[i]).WithField("commit", c.ShortHash).Warn("Could not fetch diff")
			result.Warn(domain.UnitDiff, domain.UnitLabel(c.ProjectPath, c.Hash), errs[i])
			out[c.Key()] = DiffUnavailable
			continue
		}
		out[c.Key()] = diffs[i]
	}
	return out, nil
}

func mergeEmails(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, e := range list {
			if e != "" && !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	return out
}
