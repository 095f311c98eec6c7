// Package github indexes the issues and pull requests of one repository.
//
// The cursor is the newest updated_at seen, so each fetch lists only what
// changed since. Requests are paced with a token bucket and pause when the
// API reports the hourly quota nearly spent.
package github

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v80/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/Aman-CERP/unisearch/internal/document"
	"github.com/Aman-CERP/unisearch/internal/errors"
	"github.com/Aman-CERP/unisearch/internal/provider"
)

const (
	// DefaultRate paces requests below the authenticated 5000/hour quota.
	DefaultRate = 1.2
	// minRemaining is the quota reserve below which requests wait for reset.
	minRemaining = 50
	perPage      = 100
)

// Config describes one repository source.
type Config struct {
	Name  string
	Owner string
	Repo  string
	// Token is optional; anonymous access has a much lower quota.
	Token string
	// BaseURL overrides the API root, for GitHub Enterprise
	// (https://host/api/v3/) or tests.
	BaseURL string
	// HTTPClient is used when Token is empty.
	HTTPClient *http.Client
	// RequestsPerSecond paces API calls. Zero uses DefaultRate.
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// Adapter is the GitHub provider.
type Adapter struct {
	name   string
	owner  string
	repo   string
	client *gh.Client
	bucket *rate.Limiter
	logger *slog.Logger

	mu        sync.Mutex
	remaining int
	resetAt   time.Time
}

var _ provider.Adapter = (*Adapter)(nil)

// New builds the API client for cfg.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.ConfigError("github source needs owner and repo", nil)
	}
	name := strings.ToLower(cfg.Name)
	if name == "" {
		name = "github"
	}

	httpClient := cfg.HTTPClient
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(ctx, ts)
		httpClient.Timeout = 30 * time.Second
	}
	client := gh.NewClient(httpClient)
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, errors.ConfigError("invalid github base_url", err).WithDetail("base_url", cfg.BaseURL)
		}
		client.BaseURL = u
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		name:      name,
		owner:     cfg.Owner,
		repo:      cfg.Repo,
		client:    client,
		bucket:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:    logger,
		remaining: -1,
	}, nil
}

// Source returns the configured source name.
func (a *Adapter) Source() string { return a.name }

// wait paces the next request and honours an exhausted quota.
func (a *Adapter) wait(ctx context.Context) error {
	if err := a.bucket.Wait(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	remaining, resetAt := a.remaining, a.resetAt
	a.mu.Unlock()
	if remaining < 0 || remaining >= minRemaining || !time.Now().Before(resetAt) {
		return nil
	}
	a.logger.Warn("github_quota_wait", slog.String("source", a.name), slog.Int("remaining", remaining), slog.Time("reset_at", resetAt))
	timer := time.NewTimer(time.Until(resetAt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (a *Adapter) observe(resp *gh.Response) {
	if resp == nil {
		return
	}
	a.mu.Lock()
	a.remaining = resp.Rate.Remaining
	a.resetAt = resp.Rate.Reset.Time
	a.mu.Unlock()
}

// wrap maps go-github failures onto the error taxonomy.
func (a *Adapter) wrap(op string, err error) error {
	var rl *gh.RateLimitError
	if stderrors.As(err, &rl) {
		return errors.New(errors.ErrCodeRateLimited, "github rate limit exceeded", err).
			WithDetail("reset_at", rl.Rate.Reset.Time.Format(time.RFC3339))
	}
	var abuse *gh.AbuseRateLimitError
	if stderrors.As(err, &abuse) {
		return errors.New(errors.ErrCodeRateLimited, "github secondary rate limit", err)
	}
	var er *gh.ErrorResponse
	if stderrors.As(err, &er) && er.Response != nil {
		se := errors.ProviderError(fmt.Sprintf("github %s failed", op), err).
			WithDetail("status", strconv.Itoa(er.Response.StatusCode)).
			WithDetail("repo", a.owner+"/"+a.repo)
		if er.Response.StatusCode == http.StatusUnauthorized {
			se = se.WithSuggestion("Check the token named by token_env")
		}
		return se
	}
	return errors.ProviderError(fmt.Sprintf("github %s failed", op), err)
}

// HealthCheck fetches the repository.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	_, resp, err := a.client.Repositories.Get(ctx, a.owner, a.repo)
	a.observe(resp)
	if err != nil {
		return a.wrap("repository lookup", err)
	}
	return nil
}

// Fetch lists issues and pull requests updated since the cursor, oldest
// first, one page at a time.
func (a *Adapter) Fetch(ctx context.Context, cursor string) (<-chan provider.RawRecord, <-chan error) {
	records := make(chan provider.RawRecord)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)

		var since time.Time
		if cursor != "" {
			t, err := time.Parse(time.RFC3339, cursor)
			if err != nil {
				a.logger.Warn("github_cursor_invalid", slog.String("source", a.name), slog.String("cursor", cursor))
			} else {
				since = t
			}
		}
		newest := since

		opts := &gh.IssueListByRepoOptions{
			State:       "all",
			Sort:        "updated",
			Direction:   "asc",
			Since:       since,
			ListOptions: gh.ListOptions{PerPage: perPage},
		}
		for {
			if err := a.wait(ctx); err != nil {
				errs <- err
				return
			}
			issues, resp, err := a.client.Issues.ListByRepo(ctx, a.owner, a.repo, opts)
			a.observe(resp)
			if err != nil {
				errs <- a.wrap("issue listing", err)
				return
			}
			for _, issue := range issues {
				if u := issue.GetUpdatedAt().Time; u.After(newest) {
					newest = u
				}
				select {
				case records <- provider.RawRecord{ID: strconv.Itoa(issue.GetNumber()), Payload: issue}:
				case <-ctx.Done():
					return
				}
			}
			if resp == nil || resp.NextPage == 0 {
				break
			}
			opts.ListOptions.Page = resp.NextPage
		}

		next := cursor
		if !newest.IsZero() {
			next = newest.UTC().Format(time.RFC3339)
		}
		errs <- &provider.SyncComplete{NextCursor: next}
	}()

	return records, errs
}

// Normalize maps an issue or pull request to a document.
func (a *Adapter) Normalize(rec provider.RawRecord) (document.Document, error) {
	issue, ok := rec.Payload.(*gh.Issue)
	if !ok || issue == nil {
		return document.Document{}, fmt.Errorf("unexpected payload %T", rec.Payload)
	}
	if issue.GetNumber() == 0 {
		return document.Document{}, fmt.Errorf("issue without number")
	}

	doc := document.Document{
		ID:          strconv.Itoa(issue.GetNumber()),
		Source:      a.name,
		Title:       issue.GetTitle(),
		Body:        issue.GetBody(),
		Author:      issue.GetUser().GetLogin(),
		Category:    issue.GetState(),
		ContentType: document.ContentIssue,
		URL:         issue.GetHTMLURL(),
		CreatedAt:   issue.GetCreatedAt().Time,
		UpdatedAt:   issue.GetUpdatedAt().Time,
		Metadata: map[string]string{
			"repo":     a.owner + "/" + a.repo,
			"number":   strconv.Itoa(issue.GetNumber()),
			"comments": strconv.Itoa(issue.GetComments()),
		},
	}
	if issue.IsPullRequest() {
		doc.ContentType = document.ContentPullRequest
	}
	for _, l := range issue.Labels {
		doc.Tags = append(doc.Tags, l.GetName())
	}
	for _, u := range issue.Assignees {
		doc.Recipients = append(doc.Recipients, u.GetLogin())
	}
	if m := issue.GetMilestone(); m != nil {
		doc.Metadata["milestone"] = m.GetTitle()
	}
	return doc, nil
}
