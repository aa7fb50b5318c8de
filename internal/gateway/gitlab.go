// Package gateway provides a gateway to the GitLab REST API,
// abstracting away the underlying client, retries and rate limiting.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/naka-gawa/kuper/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/xanzy/go-gitlab"
	"golang.org/x/time/rate"
)

const (
	perPage          = 100
	defaultRetryWait = 500 * time.Millisecond
	maxRetryWait     = time.Minute
)

// Fetcher defines the behavior of a gateway for fetching activity from GitLab.
type Fetcher interface {
	ResolveUser(ctx context.Context, username string) (domain.User, error)
	PushEvents(ctx context.Context, username string, window domain.ActivityWindow) iter.Seq2[domain.PushEvent, error]
	Project(ctx context.Context, projectID int) (domain.Project, error)
	Branches(ctx context.Context, projectID int) ([]string, error)
	BranchCommits(ctx context.Context, projectID int, branch, author string, window domain.ActivityWindow) ([]string, error)
	CompareCommits(ctx context.Context, projectID int, from, to string) ([]string, error)
	Commit(ctx context.Context, projectID int, hash string) (domain.CommitRecord, error)
	CommitDiff(ctx context.Context, projectID int, hash string) (string, error)
}

// Options configures a GitLabGateway.
type Options struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	Attempts          int
	RetryWait         time.Duration
	RequestsPerSecond float64
}

// GitLabGateway is the concrete implementation of the Fetcher interface.
type GitLabGateway struct {
	client *gitlab.Client
	logger logrus.FieldLogger
}

// NewGitLabGateway creates a gateway whose requests all draw from one shared
// token bucket, however many goroutines use it. Throttled and failed requests
// are retried by the client, honouring Retry-After.
func NewGitLabGateway(opts Options, logger logrus.FieldLogger) (*GitLabGateway, error) {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = defaultRetryWait
	}
	g := &GitLabGateway{logger: logger}

	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = opts.Timeout
	burst := max(1, int(opts.RequestsPerSecond))
	client, err := gitlab.NewClient(opts.Token,
		gitlab.WithBaseURL(opts.BaseURL),
		gitlab.WithHTTPClient(httpClient),
		gitlab.WithCustomLimiter(rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)),
		gitlab.WithCustomRetry(retryablehttp.DefaultRetryPolicy),
		gitlab.WithCustomRetryMax(opts.Attempts-1),
		gitlab.WithCustomRetryWaitMinMax(opts.RetryWait, maxRetryWait),
		gitlab.WithCustomBackoff(g.backoff),
		gitlab.WithErrorHandler(giveUp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitLab client: %w", err)
	}
	g.client = client
	return g, nil
}

// backoff waits for Retry-After on 429 and 503, and backs off exponentially
// otherwise. No single wait exceeds maxRetryWait.
func (g *GitLabGateway) backoff(lo, hi time.Duration, attempt int, resp *http.Response) time.Duration {
	wait := min(retryablehttp.DefaultBackoff(lo, hi, attempt, resp), maxRetryWait)
	fields := logrus.Fields{"attempt": attempt + 1}
	if resp != nil {
		fields["status"] = resp.StatusCode
		if resp.Request != nil {
			fields["path"] = resp.Request.URL.Path
		}
	}
	g.logger.WithFields(fields).Debugf("Request failed, retrying in %s", wait)
	return wait
}

// exhaustedError is how a request ended once the client stopped retrying it.
type exhaustedError struct {
	status   int
	attempts int
	err      error
}

func (e *exhaustedError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("giving up after %d attempt(s): %v", e.attempts, e.err)
	}
	return fmt.Sprintf("giving up after %d attempt(s): HTTP %d", e.attempts, e.status)
}

func (e *exhaustedError) Unwrap() error { return e.err }

func giveUp(resp *http.Response, err error, attempts int) (*http.Response, error) {
	status := 0
	if resp != nil {
		status = resp.StatusCode
		if resp.Body != nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
			_ = resp.Body.Close()
		}
	}
	return nil, &exhaustedError{status: status, attempts: attempts, err: err}
}

func (g *GitLabGateway) ResolveUser(ctx context.Context, username string) (domain.User, error) {
	var users []*gitlab.User
	err := g.call(ctx, "resolve user "+username, func() (resp *gitlab.Response, err error) {
		users, resp, err = g.client.Users.ListUsers(&gitlab.ListUsersOptions{Username: gitlab.Ptr(username)}, gitlab.WithContext(ctx))
		return resp, err
	})
	if err != nil {
		return domain.User{}, err
	}
	for _, u := range users {
		if !strings.EqualFold(u.Username, username) {
			continue
		}
		user := domain.User{ID: u.ID, Username: u.Username, Name: u.Name}
		for _, email := range []string{u.Email, u.PublicEmail} {
			if email != "" {
				user.Emails = append(user.Emails, email)
			}
		}
		return user, nil
	}
	return domain.User{}, fmt.Errorf("user %q not found", username)
}

// PushEvents pages the user's push events newest first and stops as soon as an
// event precedes the window start.
func (g *GitLabGateway) PushEvents(ctx context.Context, username string, window domain.ActivityWindow) iter.Seq2[domain.PushEvent, error] {
	return func(yield func(domain.PushEvent, error) bool) {
		opts := &gitlab.ListContributionEventsOptions{
			ListOptions: gitlab.ListOptions{Page: 1, PerPage: perPage},
			Action:      gitlab.Ptr(gitlab.EventTypeValue("pushed")),
			// after is exclusive and date-only.
			After: gitlab.Ptr(gitlab.ISOTime(window.Start.AddDate(0, 0, -1))),
			Sort:  gitlab.Ptr("desc"),
		}
		for {
			var events []*gitlab.ContributionEvent
			var page *gitlab.Response
			err := g.call(ctx, "list events for "+username, func() (resp *gitlab.Response, err error) {
				events, resp, err = g.client.Users.ListUserContributionEvents(username, opts, gitlab.WithContext(ctx))
				page = resp
				return resp, err
			})
			if err != nil {
				yield(domain.PushEvent{}, err)
				return
			}
			for _, e := range events {
				if e.CreatedAt != nil && e.CreatedAt.Before(window.Start) {
					return
				}
				if !strings.Contains(e.ActionName, "pushed") || e.ProjectID == 0 {
					continue
				}
				if !yield(toPushEvent(e), nil) {
					return
				}
			}
			if page == nil || page.NextPage == 0 {
				return
			}
			g.logger.WithField("user", username).Debugf("Fetching events page %d...", page.NextPage)
			opts.Page = page.NextPage
		}
	}
}

func toPushEvent(e *gitlab.ContributionEvent) domain.PushEvent {
	ev := domain.PushEvent{
		ProjectID:   e.ProjectID,
		Ref:         strings.TrimPrefix(e.PushData.Ref, "refs/heads/"),
		RefType:     e.PushData.RefType,
		CommitFrom:  e.PushData.CommitFrom,
		CommitTo:    e.PushData.CommitTo,
		CommitCount: e.PushData.CommitCount,
	}
	if e.CreatedAt != nil {
		ev.CreatedAt = *e.CreatedAt
	}
	return ev
}

func (g *GitLabGateway) Project(ctx context.Context, projectID int) (domain.Project, error) {
	var p *gitlab.Project
	err := g.call(ctx, fmt.Sprintf("get project %d", projectID), func() (resp *gitlab.Response, err error) {
		p, resp, err = g.client.Projects.GetProject(projectID, nil, gitlab.WithContext(ctx))
		return resp, err
	})
	if err != nil {
		return domain.Project{}, err
	}
	return domain.Project{ID: p.ID, Path: p.PathWithNamespace, WebURL: p.WebURL}, nil
}

func (g *GitLabGateway) Branches(ctx context.Context, projectID int) ([]string, error) {
	branches, err := paginate(ctx, g, fmt.Sprintf("list branches of project %d", projectID),
		func(page int) ([]*gitlab.Branch, *gitlab.Response, error) {
			return g.client.Branches.ListBranches(projectID, &gitlab.ListBranchesOptions{
				ListOptions: gitlab.ListOptions{Page: page, PerPage: perPage},
			}, gitlab.WithContext(ctx))
		})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(branches))
	for _, b := range branches {
		names = append(names, b.Name)
	}
	return names, nil
}

func (g *GitLabGateway) BranchCommits(ctx context.Context, projectID int, branch, author string, window domain.ActivityWindow) ([]string, error) {
	since, until := window.Start, window.End
	commits, err := paginate(ctx, g, fmt.Sprintf("list commits of %d@%s", projectID, branch),
		func(page int) ([]*gitlab.Commit, *gitlab.Response, error) {
			opts := &gitlab.ListCommitsOptions{
				ListOptions: gitlab.ListOptions{Page: page, PerPage: perPage},
				RefName:     gitlab.Ptr(branch),
				Since:       &since,
				Until:       &until,
			}
			if author != "" {
				opts.Author = gitlab.Ptr(author)
			}
			return g.client.Commits.ListCommits(projectID, opts, gitlab.WithContext(ctx))
		})
	if err != nil {
		return nil, err
	}
	return hashes(commits), nil
}

func (g *GitLabGateway) CompareCommits(ctx context.Context, projectID int, from, to string) ([]string, error) {
	var cmp *gitlab.Compare
	err := g.call(ctx, fmt.Sprintf("compare %s..%s in project %d", short(from), short(to), projectID), func() (resp *gitlab.Response, err error) {
		cmp, resp, err = g.client.Repositories.Compare(projectID, &gitlab.CompareOptions{
			From: gitlab.Ptr(from),
			To:   gitlab.Ptr(to),
		}, gitlab.WithContext(ctx))
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return hashes(cmp.Commits), nil
}

// Commit fetches full commit detail; list endpoints omit the diff stats.
func (g *GitLabGateway) Commit(ctx context.Context, projectID int, hash string) (domain.CommitRecord, error) {
	var c *gitlab.Commit
	err := g.call(ctx, fmt.Sprintf("get commit %s in project %d", short(hash), projectID), func() (resp *gitlab.Response, err error) {
		c, resp, err = g.client.Commits.GetCommit(projectID, hash, &gitlab.GetCommitOptions{Stats: gitlab.Ptr(true)}, gitlab.WithContext(ctx))
		return resp, err
	})
	if err != nil {
		return domain.CommitRecord{}, err
	}
	record := domain.CommitRecord{
		Hash:        c.ID,
		ShortHash:   c.ShortID,
		AuthorName:  c.AuthorName,
		AuthorEmail: c.AuthorEmail,
		Message:     strings.TrimSpace(c.Message),
		ProjectID:   projectID,
		WebURL:      c.WebURL,
	}
	switch {
	case c.AuthoredDate != nil:
		record.AuthoredAt = c.AuthoredDate.UTC()
	case c.CreatedAt != nil:
		record.AuthoredAt = c.CreatedAt.UTC()
	}
	if c.Stats != nil {
		record.Additions = c.Stats.Additions
		record.Deletions = c.Stats.Deletions
	}
	return record, nil
}

// CommitDiff returns the unified diff of every file the commit touches.
func (g *GitLabGateway) CommitDiff(ctx context.Context, projectID int, hash string) (string, error) {
	diffs, err := paginate(ctx, g, fmt.Sprintf("get diff of %s in project %d", short(hash), projectID),
		func(page int) ([]*gitlab.Diff, *gitlab.Response, error) {
			return g.client.Commits.GetCommitDiff(projectID, hash, &gitlab.GetCommitDiffOptions{
				ListOptions: gitlab.ListOptions{Page: page, PerPage: perPage},
			}, gitlab.WithContext(ctx))
		})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, d := range diffs {
		fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", d.OldPath, d.NewPath)
		b.WriteString(d.Diff)
		if !strings.HasSuffix(d.Diff, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

// paginate walks a list endpoint until the platform stops announcing a next page.
func paginate[T any](ctx context.Context, g *GitLabGateway, op string, list func(page int) ([]T, *gitlab.Response, error)) ([]T, error) {
	var all []T
	page := 1
	for {
		var items []T
		var next int
		err := g.call(ctx, op, func() (*gitlab.Response, error) {
			var resp *gitlab.Response
			var err error
			items, resp, err = list(page)
			if resp != nil {
				next = resp.NextPage
			}
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if next == 0 {
			return all, nil
		}
		page = next
	}
}

// call runs fn and classifies its failure.
func (g *GitLabGateway) call(ctx context.Context, op string, fn func() (*gitlab.Response, error)) error {
	resp, err := fn()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var exhausted *exhaustedError
	if errors.As(err, &exhausted) {
		return &domain.TransientFetchError{Op: op, Status: exhausted.status, Attempts: exhausted.attempts, Err: exhausted.err}
	}
	if status := statusOf(resp, err); status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &domain.AuthError{Op: op, Status: status, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func statusOf(resp *gitlab.Response, err error) int {
	var errResp *gitlab.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	return 0
}

func hashes(commits []*gitlab.Commit) []string {
	out := make([]string, 0, len(commits))
	for _, c := range commits {
		out = append(out, c.ID)
	}
	return out
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
