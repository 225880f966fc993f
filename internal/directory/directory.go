// Package directory implements the client of the Galaxy user API used to list
// active accounts and fetch their preferences.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/usegalaxy-eu/byoc-sync/internal/byoc"
	"github.com/usegalaxy-eu/byoc-sync/internal/httplog"
	"github.com/usegalaxy-eu/byoc-sync/internal/logging"
)

// maxErrorBody caps how much of an error response ends up in an Error.
const maxErrorBody = 4 << 10

// Error is returned when the user API answers with an unsuccessful status.
type Error struct {
	URL        string // Redacted.
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("user directory: GET %s: unsuccessful status code %d: %s", e.URL, e.StatusCode, e.Body)
}

// Client talks to the Galaxy user API. All requests are authenticated with the
// admin API key passed as the "key" query parameter.
type Client struct {
	base    *url.URL
	apiKey  string
	client  *http.Client
	retries int
	backoff func() backoff.BackOff
	log     *logging.Logger
}

// New creates a Client for the Galaxy server at serverURL.
func New(serverURL string, apiKey string) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server_url %q: scheme and host are required", serverURL)
	}

	return &Client{
		base:    u.JoinPath("api"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		backoff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		log:     logging.NewNop(),
	}, nil
}

// WithTimeout bounds every single request, retries excluded.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.client.Timeout = d
	return c
}

// WithRetries sets how many times a failed request is retried. Only transport
// errors and 5xx responses are retried.
func (c *Client) WithRetries(n int) *Client {
	c.retries = max(n, 0)
	return c
}

// WithBackOff overrides the exponential back-off between retries.
func (c *Client) WithBackOff(fn func() backoff.BackOff) *Client {
	c.backoff = fn
	return c
}

func (c *Client) WithLogger(log *logging.Logger) *Client {
	c.log = log
	c.client.Transport = httplog.New(c.client.Transport, log)
	return c
}

type user struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Deleted  bool   `json:"deleted"`
	Active   bool   `json:"active"`
}

// ListActiveUsers returns every account that is neither deleted nor inactive,
// in the order the server lists them. Only the id and username are retained.
func (c *Client) ListActiveUsers(ctx context.Context) ([]byoc.UserRecord, error) {
	var users []user
	if err := c.get(ctx, c.base.JoinPath("users"), url.Values{"deleted": {"false"}}, &users); err != nil {
		return nil, err
	}

	active := make([]byoc.UserRecord, 0, len(users))
	for _, u := range users {
		if u.Deleted || !u.Active {
			continue
		}
		active = append(active, byoc.UserRecord{ID: u.ID, Username: u.Username})
	}

	c.log.Debugf("user directory returned %d users, %d active", len(users), len(active))
	return active, nil
}

// FetchPreferences returns the preference mapping of a single user. Values
// that are not strings are returned in their JSON text form.
func (c *Client) FetchPreferences(ctx context.Context, id string) (map[string]string, error) {
	var details struct {
		Preferences map[string]json.RawMessage `json:"preferences"`
	}
	if err := c.get(ctx, c.base.JoinPath("users", id), nil, &details); err != nil {
		return nil, err
	}

	prefs := make(map[string]string, len(details.Preferences))
	for k, raw := range details.Preferences {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			prefs[k] = s
			continue
		}
		prefs[k] = string(bytes.TrimSpace(raw))
	}
	return prefs, nil
}

func (c *Client) get(ctx context.Context, u *url.URL, query url.Values, out any) error {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("key", c.apiKey)
	target := *u
	target.RawQuery = q.Encode()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, &target, out)
	}, backoff.WithBackOff(c.backoff()), backoff.WithMaxTries(uint(c.retries+1)), backoff.WithNotify(func(err error, d time.Duration) {
		c.log.Warnf("retrying %s in %v: %v", httplog.Redact(&target), d, err)
	}))
	return err
}

func (c *Client) do(ctx context.Context, u *url.URL, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		derr := &Error{URL: httplog.Redact(u), StatusCode: resp.StatusCode, Body: string(body)}
		if resp.StatusCode >= http.StatusInternalServerError {
			return derr
		}
		return backoff.Permanent(derr)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("user directory: GET %s: decode response: %w", httplog.Redact(u), err))
	}
	return nil
}
