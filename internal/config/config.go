package config

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/goccy/go-yaml"
)

// Defaults applied to optional configuration keys. The values mirror what
// the useGalaxy.eu deployment has always used.
const (
	DefaultBaseBranch       = "main"
	DefaultGalaxyURL        = "https://usegalaxy.eu"
	DefaultAMQPHost         = "mq.galaxyproject.eu:5671"
	DefaultCommitMessage    = "Update Pulsar configurations for active users with BYOC Pulsar preferences"
	DefaultPRTitle          = DefaultCommitMessage
	DefaultPRBody           = "This pull request updates the Pulsar configurations for active users with BYOC Pulsar preferences."
	DefaultAuthorName       = "BYOC Sync"
	DefaultAuthorEmail      = "byoc-sync@usegalaxy.eu"
	DefaultHTTPTimeout      = 30 * time.Second
	DefaultHTTPRetries      = 3
	DefaultFetchConcurrency = 1
)

// Root is the configuration object (config.json) driving one synchronization run.
type Root struct {
	ServerURL         string   `json:"server_url" required:"true" minLength:"1"`
	RepoLocalDir      string   `json:"repo_local_dir" required:"true" minLength:"1"`
	RepoURL           string   `json:"repo_url,omitempty"`
	RepoDestinations  string   `json:"repo_destinations" required:"true" minLength:"1"`
	RepoMQ            string   `json:"repo_mq" required:"true" minLength:"1"`
	RepoJobConf       string   `json:"repo_job_conf" required:"true" minLength:"1"`
	RepoPulsarSecrets string   `json:"repo_pulsar_secrets" required:"true" minLength:"1"`
	RepoAPIURL        string   `json:"repo_api_url" required:"true" minLength:"1"`
	BranchName        string   `json:"branch_name" required:"true" minLength:"1"`
	BaseBranch        string   `json:"base_branch,omitempty"`
	GalaxyURL         string   `json:"galaxy_url,omitempty"`
	AMQPHost          string   `json:"amqp_host,omitempty"`
	CommitMessage     string   `json:"commit_message,omitempty"`
	PRTitle           string   `json:"pr_title,omitempty"`
	PRBody            string   `json:"pr_body,omitempty"`
	CommitAuthor      *Author  `json:"commit_author,omitempty"`
	ExcludeUsers      []string `json:"exclude_users,omitempty"`
	HTTPTimeout       Duration `json:"http_timeout,omitzero"`
	HTTPRetries       *int     `json:"http_retries,omitempty" minimum:"0"`
	FetchConcurrency  int      `json:"fetch_concurrency,omitempty" minimum:"0"`
	LockFile          string   `json:"lock_file,omitempty"`

	excluded []glob.Glob

	_ struct{} `additionalProperties:"false"`
}

// Author identifies the commit author used when pushing changes.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`

	_ struct{} `additionalProperties:"false"`
}

func ParseFile(filename string) (root *Root, err error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	return Parse(bs)
}

func Parse(bs []byte) (*Root, error) {
	if err := Validate(bs); err != nil {
		return nil, err
	}

	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := root.init(); err != nil {
		return nil, err
	}

	return &root, nil
}

func Validate(data []byte) error {
	var config any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}

	return rootSchema.Validate(config)
}

// init fills in defaults and compiles the exclusion patterns.
func (r *Root) init() error {
	r.BaseBranch = cmp.Or(r.BaseBranch, DefaultBaseBranch)
	r.GalaxyURL = cmp.Or(r.GalaxyURL, DefaultGalaxyURL)
	r.AMQPHost = cmp.Or(r.AMQPHost, DefaultAMQPHost)
	r.CommitMessage = cmp.Or(r.CommitMessage, DefaultCommitMessage)
	r.PRTitle = cmp.Or(r.PRTitle, DefaultPRTitle)
	r.PRBody = cmp.Or(r.PRBody, DefaultPRBody)
	r.HTTPTimeout = cmp.Or(r.HTTPTimeout, Duration(DefaultHTTPTimeout))
	r.FetchConcurrency = cmp.Or(r.FetchConcurrency, DefaultFetchConcurrency)

	if r.CommitAuthor == nil {
		r.CommitAuthor = &Author{}
	}
	r.CommitAuthor.Name = cmp.Or(r.CommitAuthor.Name, DefaultAuthorName)
	r.CommitAuthor.Email = cmp.Or(r.CommitAuthor.Email, DefaultAuthorEmail)

	if r.HTTPRetries == nil {
		n := DefaultHTTPRetries
		r.HTTPRetries = &n
	}

	if r.LockFile == "" {
		r.LockFile = filepath.Clean(r.RepoLocalDir) + ".lock"
	}

	if r.BranchName == r.BaseBranch {
		return fmt.Errorf("branch_name and base_branch must differ, both are %q", r.BranchName)
	}

	for _, p := range []string{r.RepoDestinations, r.RepoMQ, r.RepoJobConf, r.RepoPulsarSecrets} {
		if filepath.IsAbs(p) || strings.HasPrefix(filepath.Clean(p), "..") {
			return fmt.Errorf("repository path %q must be relative to repo_local_dir", p)
		}
	}

	r.excluded = r.excluded[:0]
	for _, pattern := range r.ExcludeUsers {
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid exclude_users pattern %q: %w", pattern, err)
		}
		r.excluded = append(r.excluded, g)
	}

	return nil
}

// Excluded reports whether the platform username matches one of the
// exclude_users patterns.
func (r *Root) Excluded(username string) bool {
	for _, g := range r.excluded {
		if g.Match(username) {
			return true
		}
	}
	return false
}

// Paths returns the four repository files touched by a run, in commit order.
func (r *Root) Paths() []string {
	return []string{r.RepoDestinations, r.RepoMQ, r.RepoJobConf, r.RepoPulsarSecrets}
}

// Instead of marshaling and unmarshaling as int64 it uses strings, like "5m" or "0.5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	val, err := time.ParseDuration(str)
	*d = Duration(val)
	return err
}

func (d *Duration) UnmarshalYAML(bs []byte) error {
	var s string
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if val < 0 {
		return errors.New("duration must not be negative")
	}
	*d = Duration(val)
	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
