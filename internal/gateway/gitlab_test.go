package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/naka-gawa/kuper/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestGateway creates a GitLabGateway that communicates with a mock HTTP server.
func setupTestGateway(t *testing.T, handler http.Handler) (*GitLabGateway, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	gw, err := NewGitLabGateway(Options{
		BaseURL:           server.URL,
		Token:             "test-token",
		Timeout:           5 * time.Second,
		Attempts:          3,
		RetryWait:         time.Millisecond,
		RequestsPerSecond: 1000,
	}, logger)
	require.NoError(t, err)
	return gw, server
}

func testWindow(t *testing.T) domain.ActivityWindow {
	t.Helper()
	window, err := domain.NewActivityWindow(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), 7)
	require.NoError(t, err)
	return window
}

func TestGitLabGateway_PushEvents(t *testing.T) {
	var pages atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/users/alice/events", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("PRIVATE-TOKEN"))
		assert.Equal(t, "pushed", r.URL.Query().Get("action"))
		assert.Equal(t, "2026-03-02", r.URL.Query().Get("after"))
		pages.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "1":
			w.Header().Set("X-Next-Page", "2")
			fmt.Fprint(w, `[
				{"project_id": 7, "action_name": "pushed to", "created_at": "2026-03-09T10:00:00Z",
				 "push_data": {"commit_count": 2, "ref_type": "branch", "ref": "main", "commit_from": "aaa", "commit_to": "bbb"}},
				{"project_id": 7, "action_name": "commented on", "created_at": "2026-03-08T10:00:00Z"}
			]`)
		case "2":
			w.Header().Set("X-Next-Page", "3")
			fmt.Fprint(w, `[
				{"project_id": 8, "action_name": "pushed new", "created_at": "2026-03-04T10:00:00Z",
				 "push_data": {"commit_count": 1, "ref_type": "branch", "ref": "feature", "commit_to": "ccc"}},
				{"project_id": 9, "action_name": "pushed to", "created_at": "2026-03-01T10:00:00Z",
				 "push_data": {"commit_count": 1, "ref_type": "branch", "ref": "old"}}
			]`)
		default:
			t.Errorf("unexpected page %q requested", r.URL.Query().Get("page"))
			fmt.Fprint(w, `[]`)
		}
	}
	gw, _ := setupTestGateway(t, http.HandlerFunc(handler))

	var events []domain.PushEvent
	for ev, err := range gw.PushEvents(context.Background(), "alice", testWindow(t)) {
		require.NoError(t, err)
		events = append(events, ev)
	}

	require.Len(t, events, 2)
	assert.Equal(t, 7, events[0].ProjectID)
	assert.Equal(t, "main", events[0].Ref)
	assert.Equal(t, "aaa", events[0].CommitFrom)
	assert.Equal(t, "bbb", events[0].CommitTo)
	assert.Equal(t, 2, events[0].CommitCount)
	assert.Equal(t, "feature", events[1].Ref)
	assert.Equal(t, int32(2), pages.Load(), "paging stops once events precede the window")
}

func TestGitLabGateway_Commit(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/7/repository/commits/0123456789abcdef", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "0123456789abcdef", "short_id": "01234567",
			"author_name": "Alice", "author_email": "alice@example.com",
			"authored_date": "2026-03-09T10:00:00+02:00",
			"message": "Fix parser\n\nbody\n",
			"web_url": "https://gitlab.example.com/g/p/-/commit/0123456789abcdef",
			"stats": {"additions": 12, "deletions": 3, "total": 15}
		}`)
	}
	gw, _ := setupTestGateway(t, http.HandlerFunc(handler))

	record, err := gw.Commit(context.Background(), 7, "0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", record.Hash)
	assert.Equal(t, "01234567", record.ShortHash)
	assert.Equal(t, "alice@example.com", record.AuthorEmail)
	assert.Equal(t, time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC), record.AuthoredAt)
	assert.Equal(t, "Fix parser\n\nbody", record.Message)
	assert.Equal(t, 7, record.ProjectID)
	assert.Equal(t, 12, record.Additions)
	assert.Equal(t, 3, record.Deletions)
}

func TestGitLabGateway_BranchCommits(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/7/repository/commits", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "main", q.Get("ref_name"))
		assert.Equal(t, "Alice", q.Get("author"))
		assert.NotEmpty(t, q.Get("since"))
		assert.NotEmpty(t, q.Get("until"))
		w.Header().Set("Content-Type", "application/json")
		if q.Get("page") == "1" {
			w.Header().Set("X-Next-Page", "2")
			fmt.Fprint(w, `[{"id": "aaa"}, {"id": "bbb"}]`)
			return
		}
		fmt.Fprint(w, `[{"id": "ccc"}]`)
	}
	gw, _ := setupTestGateway(t, http.HandlerFunc(handler))

	got, err := gw.BranchCommits(context.Background(), 7, "main", "Alice", testWindow(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "bbb", "ccc"}, got)
}

func TestGitLabGateway_CommitDiff(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/7/repository/commits/abc/diff", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"old_path": "a.go", "new_path": "a.go", "diff": "@@ -1 +1 @@\n-x\n+y"}]`)
	}
	gw, _ := setupTestGateway(t, http.HandlerFunc(handler))

	diff, err := gw.CommitDiff(context.Background(), 7, "abc")
	require.NoError(t, err)
	assert.Equal(t, "--- a/a.go\n+++ b/a.go\n@@ -1 +1 @@\n-x\n+y\n", diff)
}

func TestGitLabGateway_ResolveUser(t *testing.T) {
	testCases := []struct {
		name        string
		body        string
		expected    domain.User
		expectError bool
	}{
		{
			name:     "happy path - user found",
			body:     `[{"id": 3, "username": "alice", "name": "Alice", "public_email": "alice@example.com"}]`,
			expected: domain.User{ID: 3, Username: "alice", Name: "Alice", Emails: []string{"alice@example.com"}},
		},
		{
			name:        "error case - no such user",
			body:        `[]`,
			expectError: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			handler := func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v4/users", r.URL.Path)
				assert.Equal(t, "alice", r.URL.Query().Get("username"))
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, tc.body)
			}
			gw, _ := setupTestGateway(t, http.HandlerFunc(handler))

			user, err := gw.ResolveUser(context.Background(), "alice")
			if tc.expectError {
				assert.Error(t, err)
				assert.False(t, domain.IsFatal(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, user)
		})
	}
}

func TestGitLabGateway_ErrorClassification(t *testing.T) {
	testCases := []struct {
		name          string
		statuses      []int
		expectedCalls int32
		check         func(t *testing.T, err error)
	}{
		{
			name:          "unauthorized is fatal and not retried",
			statuses:      []int{http.StatusUnauthorized},
			expectedCalls: 1,
			check: func(t *testing.T, err error) {
				var authErr *domain.AuthError
				require.True(t, errors.As(err, &authErr))
				assert.Equal(t, http.StatusUnauthorized, authErr.Status)
				assert.True(t, domain.IsFatal(err))
			},
		},
		{
			name:          "server errors exhaust retries",
			statuses:      []int{http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway},
			expectedCalls: 3,
			check: func(t *testing.T, err error) {
				var transient *domain.TransientFetchError
				require.True(t, errors.As(err, &transient))
				assert.Equal(t, 3, transient.Attempts)
				assert.Equal(t, http.StatusBadGateway, transient.Status)
				assert.False(t, domain.IsFatal(err))
			},
		},
		{
			name:          "throttling exhausts retries",
			statuses:      []int{http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests},
			expectedCalls: 3,
			check: func(t *testing.T, err error) {
				var transient *domain.TransientFetchError
				require.True(t, errors.As(err, &transient))
				assert.Equal(t, http.StatusTooManyRequests, transient.Status)
				assert.Contains(t, err.Error(), "get project 7 failed after 3 attempt(s)")
			},
		},
		{
			name:          "transient error recovers",
			statuses:      []int{http.StatusServiceUnavailable, http.StatusOK},
			expectedCalls: 2,
			check: func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
		{
			name:          "not found is a plain unit error",
			statuses:      []int{http.StatusNotFound},
			expectedCalls: 1,
			check: func(t *testing.T, err error) {
				require.Error(t, err)
				assert.False(t, domain.IsFatal(err))
				assert.False(t, domain.IsTransient(err))
				assert.Contains(t, err.Error(), "get project 7")
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			handler := func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				status := tc.statuses[min(int(n), len(tc.statuses))-1]
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				if status == http.StatusOK {
					fmt.Fprint(w, `{"id": 7, "path_with_namespace": "group/project", "web_url": "https://gitlab.example.com/group/project"}`)
					return
				}
				fmt.Fprint(w, `{"message": "failure"}`)
			}
			gw, _ := setupTestGateway(t, http.HandlerFunc(handler))

			project, err := gw.Project(context.Background(), 7)
			tc.check(t, err)
			if err == nil {
				assert.Equal(t, domain.Project{ID: 7, Path: "group/project", WebURL: "https://gitlab.example.com/group/project"}, project)
			}
			assert.Equal(t, tc.expectedCalls, calls.Load())
		})
	}
}

func TestGitLabGateway_HonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"message": "429 Too Many Requests"}`)
			return
		}
		fmt.Fprint(w, `{"id": 7, "path_with_namespace": "group/project"}`)
	}
	gw, _ := setupTestGateway(t, http.HandlerFunc(handler))

	start := time.Now()
	project, err := gw.Project(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "group/project", project.Path)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "the client waits as long as Retry-After asks")
}

func TestGitLabGateway_ConnectionFailuresAreTransient(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if !assert.NoError(t, err) {
			return
		}
		_ = conn.Close()
	}
	gw, _ := setupTestGateway(t, http.HandlerFunc(handler))

	_, err := gw.Project(context.Background(), 7)
	var transient *domain.TransientFetchError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, 3, transient.Attempts)
	assert.Zero(t, transient.Status)
	assert.False(t, domain.IsFatal(err))
}
