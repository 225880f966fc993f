// Package changerequest opens pull requests for the sync branch through the
// GitHub REST API.
package changerequest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"

	"github.com/usegalaxy-eu/byoc-sync/internal/config"
	"github.com/usegalaxy-eu/byoc-sync/internal/httplog"
	"github.com/usegalaxy-eu/byoc-sync/internal/logging"
)

const maxErrorBody = 4 << 10

// Error is returned when the API does not answer 201 Created.
type Error struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("pull request creation failed: %v", e.Err)
	}
	return fmt.Sprintf("pull request creation failed with status code %d: %s", e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Request is the payload of a new pull request.
type Request struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

// ChangeRequest identifies an open pull request.
type ChangeRequest struct {
	Number int
	URL    string
	Reused bool // An open pull request for the same head and base already existed.
}

type Client struct {
	base    *url.URL
	owner   string
	repo    string
	secrets *config.Secrets
	timeout time.Duration
	retries int
	backoff func() backoff.BackOff
	log     *logging.Logger
}

// New creates a client for the repository API URL, e.g.
// https://api.github.com/repos/usegalaxy-eu/infrastructure-playbook. The
// GitHub App in secrets is preferred over the token.
func New(repoAPIURL string, secrets *config.Secrets) (*Client, error) {
	base, owner, repo, err := ParseRepoURL(repoAPIURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		base:    base,
		owner:   owner,
		repo:    repo,
		secrets: secrets,
		timeout: config.DefaultHTTPTimeout,
		backoff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		log:     logging.NewNop(),
	}, nil
}

func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// WithRetries sets how many times a request failing with a transport error or
// a 5xx status is retried.
func (c *Client) WithRetries(n int) *Client {
	c.retries = max(n, 0)
	return c
}

func (c *Client) WithBackOff(fn func() backoff.BackOff) *Client {
	c.backoff = fn
	return c
}

func (c *Client) WithLogger(log *logging.Logger) *Client {
	c.log = log
	return c
}

// ParseRepoURL splits a repository API URL into the API root and the
// repository owner and name.
func ParseRepoURL(s string) (*url.URL, string, string, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, "", "", fmt.Errorf("invalid repo_api_url: %w", err)
	}

	path := strings.TrimSuffix(u.Path, "/")
	i := strings.LastIndex(path, "/repos/")
	if u.Scheme == "" || u.Host == "" || i < 0 {
		return nil, "", "", fmt.Errorf("invalid repo_api_url %q: expected <api root>/repos/<owner>/<repo>", s)
	}

	owner, repo, ok := strings.Cut(path[i+len("/repos/"):], "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, "", "", fmt.Errorf("invalid repo_api_url %q: expected <api root>/repos/<owner>/<repo>", s)
	}

	base := *u
	base.Path = path[:i] + "/"
	base.RawPath = ""
	base.RawQuery = ""
	return &base, owner, repo, nil
}

// Open creates the pull request. When GitHub reports that a pull request for
// the same head and base is already open, that one is returned.
func (c *Client) Open(ctx context.Context, req Request) (*ChangeRequest, error) {
	gh, err := c.client()
	if err != nil {
		return nil, &Error{Err: err}
	}

	pr, err := backoff.Retry(ctx, func() (*github.PullRequest, error) {
		// Same call as PullRequests.Create, keeping the raw body for the error of an unexpected 2xx.
		httpReq, err := gh.NewRequest(http.MethodPost, fmt.Sprintf("repos/%s/%s/pulls", c.owner, c.repo), &github.NewPullRequest{
			Title: github.Ptr(req.Title),
			Body:  github.Ptr(req.Body),
			Head:  github.Ptr(req.Head),
			Base:  github.Ptr(req.Base),
		})
		if err != nil {
			return nil, backoff.Permanent(&Error{Err: err})
		}

		var body bytes.Buffer
		resp, err := gh.Do(ctx, httpReq, &body)
		if err != nil {
			return nil, classify(ctx, err)
		}
		if resp.StatusCode != http.StatusCreated {
			return nil, backoff.Permanent(&Error{StatusCode: resp.StatusCode, Body: truncate(body.String())})
		}

		pr := new(github.PullRequest)
		if err := json.Unmarshal(body.Bytes(), pr); err != nil {
			return nil, backoff.Permanent(&Error{StatusCode: resp.StatusCode, Body: truncate(body.String()), Err: err})
		}
		return pr, nil
	}, backoff.WithBackOff(c.backoff()), backoff.WithMaxTries(uint(c.retries+1)), backoff.WithNotify(func(err error, d time.Duration) {
		c.log.Warnf("retrying pull request creation in %v: %v", d, err)
	}))

	var cerr *Error
	if errors.As(err, &cerr) && cerr.StatusCode == http.StatusUnprocessableEntity && strings.Contains(cerr.Body, "already exists") {
		existing, lerr := c.findOpen(ctx, gh, req)
		if lerr != nil {
			c.log.Warnf("failed to look up the existing pull request: %v", lerr)
			return nil, err
		}
		if existing != nil {
			c.log.Infof("pull request #%d for %s is already open", existing.Number, req.Head)
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}

	c.log.Infof("created pull request #%d", pr.GetNumber())
	return &ChangeRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
}

func (c *Client) findOpen(ctx context.Context, gh *github.Client, req Request) (*ChangeRequest, error) {
	prs, _, err := gh.PullRequests.List(ctx, c.owner, c.repo, &github.PullRequestListOptions{
		State: "open",
		Head:  c.owner + ":" + req.Head,
		Base:  req.Base,
	})
	if err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &ChangeRequest{Number: prs[0].GetNumber(), URL: prs[0].GetHTMLURL(), Reused: true}, nil
}

// classify turns a go-github error into an *Error, marking everything but
// transport errors and 5xx responses as permanent.
func classify(ctx context.Context, err error) error {
	var aerr *github.AcceptedError
	if errors.As(err, &aerr) {
		return backoff.Permanent(&Error{StatusCode: http.StatusAccepted, Body: truncate(string(aerr.Raw)), Err: err})
	}

	var ger *github.ErrorResponse
	if !errors.As(err, &ger) || ger.Response == nil {
		if ctx.Err() != nil {
			return backoff.Permanent(&Error{Err: err})
		}
		return &Error{Err: err}
	}

	cerr := &Error{StatusCode: ger.Response.StatusCode, Err: err}
	if ger.Response.Body != nil {
		body, _ := io.ReadAll(io.LimitReader(ger.Response.Body, maxErrorBody))
		cerr.Body = string(body)
	}
	if cerr.Body == "" {
		msgs := []string{ger.Message}
		for _, e := range ger.Errors {
			msgs = append(msgs, e.Message)
		}
		cerr.Body = strings.Join(msgs, ": ")
	}

	if cerr.StatusCode >= http.StatusInternalServerError {
		return cerr
	}
	return backoff.Permanent(cerr)
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}

func (c *Client) client() (*github.Client, error) {
	var tr http.RoundTripper = http.DefaultTransport

	switch {
	case c.secrets == nil:
	case c.secrets.GitHubApp != nil:
		app := c.secrets.GitHubApp
		itr, err := ghinstallation.NewKeyFromFile(tr, app.IntegrationID, app.InstallationID, app.PrivateKey)
		if err != nil {
			return nil, err
		}
		itr.BaseURL = strings.TrimSuffix(c.base.String(), "/")
		tr = itr
	case c.secrets.GitHubToken != "":
		tr = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.secrets.GitHubToken}),
			Base:   tr,
		}
	}

	gh := github.NewClient(&http.Client{
		Transport: httplog.New(tr, c.log),
		Timeout:   c.timeout,
	})
	gh.BaseURL = c.base
	return gh, nil
}
