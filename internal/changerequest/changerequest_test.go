package changerequest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/usegalaxy-eu/byoc-sync/internal/config"
)

var request = Request{
	Title: config.DefaultPRTitle,
	Body:  config.DefaultPRBody,
	Head:  "byoc-sync",
	Base:  "main",
}

func noDelay() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		input, base, owner, repo string
	}{
		{"https://api.github.com/repos/usegalaxy-eu/infrastructure-playbook", "https://api.github.com/", "usegalaxy-eu", "infrastructure-playbook"},
		{"https://api.github.com/repos/o/r/", "https://api.github.com/", "o", "r"},
		{"https://ghe.example.org/api/v3/repos/o/r", "https://ghe.example.org/api/v3/", "o", "r"},
	}

	for _, tc := range tests {
		base, owner, repo, err := ParseRepoURL(tc.input)
		if err != nil {
			t.Fatalf("%s: %v", tc.input, err)
		}
		if base.String() != tc.base || owner != tc.owner || repo != tc.repo {
			t.Fatalf("%s: got %s %s %s", tc.input, base, owner, repo)
		}
	}

	for _, input := range []string{"", "api.github.com/repos/o/r", "https://api.github.com/o/r", "https://api.github.com/repos/o", "https://api.github.com/repos/o/r/pulls"} {
		if _, _, _, err := ParseRepoURL(input); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}

func TestOpen(t *testing.T) {
	var got Request
	var auth string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/o/r/pulls" {
			http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusNotFound)
			return
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 42, "html_url": "https://github.com/o/r/pull/42"}`))
	}))
	defer ts.Close()

	c, err := New(ts.URL+"/repos/o/r", &config.Secrets{GitHubToken: "ghp_x"})
	if err != nil {
		t.Fatal(err)
	}

	cr, err := c.Open(context.Background(), request)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(&ChangeRequest{Number: 42, URL: "https://github.com/o/r/pull/42"}, cr); diff != "" {
		t.Fatalf("change request (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(request, got); diff != "" {
		t.Fatalf("payload (-want +got):\n%s", diff)
	}
	if auth != "Bearer ghp_x" {
		t.Fatalf("unexpected authorization header %q", auth)
	}
}

func TestOpenError(t *testing.T) {
	var calls atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "Validation Failed", "errors": [{"resource": "PullRequest", "code": "custom", "message": "No commits between main and byoc-sync"}]}`))
	}))
	defer ts.Close()

	c, err := New(ts.URL+"/repos/o/r", &config.Secrets{GitHubToken: "ghp_x"})
	if err != nil {
		t.Fatal(err)
	}
	c.WithRetries(3).WithBackOff(noDelay)

	_, err = c.Open(context.Background(), request)

	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected change request error, got %v", err)
	}
	if cerr.StatusCode != http.StatusUnprocessableEntity || !strings.Contains(cerr.Body, "No commits between main and byoc-sync") {
		t.Fatalf("expected status and body in error, got %v", cerr)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retries, got %d calls", calls.Load())
	}
	if strings.Contains(err.Error(), "ghp_x") {
		t.Fatal("token leaked into error")
	}
}

func TestOpenRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"message": "Server Error"}`, http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 7}`))
	}))
	defer ts.Close()

	c, err := New(ts.URL+"/repos/o/r", nil)
	if err != nil {
		t.Fatal(err)
	}
	c.WithRetries(2).WithBackOff(noDelay)

	cr, err := c.Open(context.Background(), request)
	if err != nil {
		t.Fatal(err)
	}
	if cr.Number != 7 || calls.Load() != 2 {
		t.Fatalf("expected #7 after 2 calls, got #%d after %d", cr.Number, calls.Load())
	}
}

func TestOpenNonCreatedSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"number": 1}`))
	}))
	defer ts.Close()

	c, err := New(ts.URL+"/repos/o/r", nil)
	if err != nil {
		t.Fatal(err)
	}

	var cerr *Error
	if _, err := c.Open(context.Background(), request); !errors.As(err, &cerr) || cerr.StatusCode != http.StatusOK {
		t.Fatalf("expected error for 200 OK, got %v", err)
	}
	if cerr.Body != `{"number": 1}` {
		t.Fatalf("expected the response body in the error, got %q", cerr.Body)
	}
}

func TestOpenAccepted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message": "queued"}`))
	}))
	defer ts.Close()

	c, err := New(ts.URL+"/repos/o/r", nil)
	if err != nil {
		t.Fatal(err)
	}

	var cerr *Error
	if _, err := c.Open(context.Background(), request); !errors.As(err, &cerr) || cerr.StatusCode != http.StatusAccepted || !strings.Contains(cerr.Body, "queued") {
		t.Fatalf("expected 202 error with body, got %v", err)
	}
}

func TestOpenReusesExisting(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/o/r/pulls", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "Validation Failed", "errors": [{"resource": "PullRequest", "code": "custom", "message": "A pull request already exists for o:byoc-sync."}]}`))
	})
	mux.HandleFunc("GET /repos/o/r/pulls", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("head") != "o:byoc-sync" || q.Get("base") != "main" || q.Get("state") != "open" {
			http.Error(w, "unexpected query "+r.URL.RawQuery, http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`[{"number": 5, "html_url": "https://github.com/o/r/pull/5"}]`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c, err := New(ts.URL+"/repos/o/r", nil)
	if err != nil {
		t.Fatal(err)
	}

	cr, err := c.Open(context.Background(), request)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&ChangeRequest{Number: 5, URL: "https://github.com/o/r/pull/5", Reused: true}, cr); diff != "" {
		t.Fatalf("change request (-want +got):\n%s", diff)
	}
}
