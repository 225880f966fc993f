// Package httplog provides an http.RoundTripper that logs every request
// made to the user directory and the pull request API.
package httplog

import (
	"net/http"
	"net/url"
	"time"

	"github.com/usegalaxy-eu/byoc-sync/internal/logging"
)

// sensitive lists query parameters whose values never reach the log.
var sensitive = []string{"key", "access_token", "token"}

// Transport is an http.RoundTripper that logs requests and responses at
// debug level. Bodies and credentials are never logged.
type Transport struct {
	Transport http.RoundTripper
	Logger    *logging.Logger
}

// New creates a new Transport. If transport is nil, http.DefaultTransport is
// used. If logger is nil, nothing is logged.
func New(transport http.RoundTripper, logger *logging.Logger) *Transport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Transport{
		Transport: transport,
		Logger:    logger,
	}
}

// RoundTrip executes a single HTTP transaction, logging the request and response.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	target := Redact(req.URL)

	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		t.Logger.Debugf("%s %s failed after %v: %v", req.Method, target, time.Since(start), err)
		return resp, err // Return the response and error, even if the response is nil.
	}

	t.Logger.Debugf("%s %s -> %d (%v)", req.Method, target, resp.StatusCode, time.Since(start))
	return resp, nil
}

// Redact returns u as a string with sensitive query parameter values masked.
func Redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	var changed bool
	for _, name := range sensitive {
		if q.Has(name) {
			q.Set(name, "REDACTED")
			changed = true
		}
	}
	if !changed {
		return u.String()
	}
	c := *u
	c.RawQuery = q.Encode()
	return c.String()
}
