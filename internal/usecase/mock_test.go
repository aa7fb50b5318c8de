package usecase

import (
	"context"
	"io"
	"iter"

	"github.com/naka-gawa/kuper/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

// mockFetcher is a mock implementation of the gateway.Fetcher interface.
// It allows us to simulate the behavior of the GitLab gateway without making real API calls.
type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) ResolveUser(ctx context.Context, username string) (domain.User, error) {
	args := m.Called(ctx, username)
	return args.Get(0).(domain.User), args.Error(1)
}

// PushEvents yields the configured events, then the configured error if any.
func (m *mockFetcher) PushEvents(ctx context.Context, username string, window domain.ActivityWindow) iter.Seq2[domain.PushEvent, error] {
	args := m.Called(ctx, username, window)
	events, _ := args.Get(0).([]domain.PushEvent)
	err := args.Error(1)
	return func(yield func(domain.PushEvent, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
		if err != nil {
			yield(domain.PushEvent{}, err)
		}
	}
}

func (m *mockFetcher) Project(ctx context.Context, projectID int) (domain.Project, error) {
	args := m.Called(ctx, projectID)
	return args.Get(0).(domain.Project), args.Error(1)
}

func (m *mockFetcher) Branches(ctx context.Context, projectID int) ([]string, error) {
	args := m.Called(ctx, projectID)
	branches, _ := args.Get(0).([]string)
	return branches, args.Error(1)
}

func (m *mockFetcher) BranchCommits(ctx context.Context, projectID int, branch, author string, window domain.ActivityWindow) ([]string, error) {
	args := m.Called(ctx, projectID, branch, author, window)
	hashes, _ := args.Get(0).([]string)
	return hashes, args.Error(1)
}

func (m *mockFetcher) CompareCommits(ctx context.Context, projectID int, from, to string) ([]string, error) {
	args := m.Called(ctx, projectID, from, to)
	hashes, _ := args.Get(0).([]string)
	return hashes, args.Error(1)
}

func (m *mockFetcher) Commit(ctx context.Context, projectID int, hash string) (domain.CommitRecord, error) {
	args := m.Called(ctx, projectID, hash)
	return args.Get(0).(domain.CommitRecord), args.Error(1)
}

func (m *mockFetcher) CommitDiff(ctx context.Context, projectID int, hash string) (string, error) {
	args := m.Called(ctx, projectID, hash)
	return args.String(0), args.Error(1)
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
