package cmd

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/naka-gawa/kuper/internal/config"
	"github.com/naka-gawa/kuper/internal/domain"
	"github.com/naka-gawa/kuper/internal/gateway"
	"github.com/naka-gawa/kuper/internal/report"
	"github.com/naka-gawa/kuper/internal/usecase"
	"github.com/sirupsen/logrus"
)

const (
	retryWait        = 500 * time.Millisecond
	reportTimeLayout = "2006-01-02-15-04-05"
)

type options struct {
	instance   string
	days       int
	report     bool
	configPath string
	outputDir  string
	xlsxPath   string
	verbose    bool
	logFormat  string
}

// run validates the arguments and the configuration before any request is made,
// then collects, aggregates and prints.
func run(ctx context.Context, stdout, stderr io.Writer, opts *options) error {
	now := time.Now()
	window, err := domain.NewActivityWindow(now, opts.days)
	if err != nil {
		return err
	}
	instance, err := instanceURL(opts.instance)
	if err != nil {
		return err
	}
	logger, err := newLogger(stderr, opts.verbose, opts.logFormat)
	if err != nil {
		return err
	}

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}
	cfg, err := config.Load(opts.configPath, os.Getenv(config.TokenEnv))
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	log := logger.WithField("run", runID)
	users := trackedUsers(cfg)
	log.Infof("Fetching commits of %s from the last %d days...", usernames(users), opts.days)
	if len(cfg.Excludes) > 0 {
		log.Infof("Excluding the following repositories: %s", strings.Join(cfg.Excludes, ", "))
	}

	gw, err := gateway.NewGitLabGateway(gateway.Options{
		BaseURL:           instance,
		Token:             cfg.Token,
		Timeout:           cfg.Timeout,
		Attempts:          cfg.Retries,
		RetryWait:         retryWait,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, log.WithField("component", "gateway"))
	if err != nil {
		return err
	}
	aggregator := usecase.NewAggregator(gw, usecase.Options{
		Concurrency: cfg.Concurrency,
		Exclude:     cfg.Excluded,
	}, log.WithField("component", "usecase"))

	result, err := aggregator.Aggregate(ctx, users, window)
	if err != nil {
		return fmt.Errorf("failed to aggregate commits: %w", err)
	}

	var diffs map[domain.CommitKey]string
	if opts.report {
		if diffs, err = aggregator.FetchDiffs(ctx, result); err != nil {
			return fmt.Errorf("failed to fetch diffs: %w", err)
		}
	}

	if err := report.WriteSummary(stdout, result); err != nil {
		return fmt.Errorf("failed to print summary: %w", err)
	}

	if opts.xlsxPath != "" {
		if err := report.WriteWorkbook(opts.xlsxPath, result); err != nil {
			return fmt.Errorf("failed to export workbook: %w", err)
		}
		fmt.Fprintf(stdout, "\nExported commits to %s\n", opts.xlsxPath)
	}

	if opts.report {
		path := filepath.Join(opts.outputDir, fmt.Sprintf("commit_report_%s_%s.html", users[0].Username, now.Format(reportTimeLayout)))
		err := report.WriteHTML(path, report.Data{
			Title:       fmt.Sprintf("Commit Report for %s - Last %d Days", usernames(users), opts.days),
			RunID:       runID,
			GeneratedAt: now,
			Window:      window,
			Result:      result,
			Diffs:       diffs,
		})
		if err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		fmt.Fprintf(stdout, "\nSuccessfully generated HTML report: %s\n", path)
	}
	return nil
}

func instanceURL(raw string) (string, error) {
	if raw == "" {
		return "", &domain.ConfigError{Field: "instance", Reason: "is required"}
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", &domain.ConfigError{Field: "instance", Reason: fmt.Sprintf("%q is not an http(s) URL", raw), Err: err}
	}
	return u.String(), nil
}

func newLogger(w io.Writer, verbose bool, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(w)
	switch format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	default:
		return nil, &domain.ConfigError{Field: "log-format", Reason: fmt.Sprintf("unknown format %q", format)}
	}
	logger.SetLevel(logrus.InfoLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger, nil
}

func trackedUsers(cfg *config.Config) []domain.User {
	entries := cfg.TrackedUsers()
	users := make([]domain.User, 0, len(entries))
	for _, e := range entries {
		users = append(users, domain.User{Username: e.Username, Emails: e.Emails})
	}
	return users
}

func usernames(users []domain.User) string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	return strings.Join(names, ", ")
}
