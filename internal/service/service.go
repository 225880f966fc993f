// Package service runs one synchronization: it collects the BYOC Pulsar
// preferences of all active users, adds the missing destinations, RabbitMQ
// users, job runner plugins and passwords to the configuration repository and
// proposes the change as a pull request.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/usegalaxy-eu/byoc-sync/internal/byoc"
	"github.com/usegalaxy-eu/byoc-sync/internal/changerequest"
	"github.com/usegalaxy-eu/byoc-sync/internal/config"
	"github.com/usegalaxy-eu/byoc-sync/internal/document"
	"github.com/usegalaxy-eu/byoc-sync/internal/logging"
	"github.com/usegalaxy-eu/byoc-sync/internal/metrics"
	"github.com/usegalaxy-eu/byoc-sync/internal/progress"
	"github.com/usegalaxy-eu/byoc-sync/internal/provision"
	"github.com/usegalaxy-eu/byoc-sync/internal/reconcile"
)

// Stages of a run, as reported in failure metrics.
const (
	StageListUsers     = "list_users"
	StagePull          = "pull"
	StageDestinations  = "destinations"
	StageQueueUsers    = "queue_users"
	StageJobPlugins    = "job_plugins"
	StageSecrets       = "secrets"
	StageWrite         = "write"
	StagePush          = "push"
	StageChangeRequest = "change_request"
)

type Directory interface {
	ListActiveUsers(ctx context.Context) ([]byoc.UserRecord, error)
	FetchPreferences(ctx context.Context, id string) (map[string]string, error)
}

type Repository interface {
	PullLatest(ctx context.Context) error
	ReadDocument(path string) (*document.Document, error)
	WriteDocument(path string, doc *document.Document) error
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	CommitAndPush(ctx context.Context, paths []string, message string) (string, error)
}

type ChangeRequests interface {
	Open(ctx context.Context, req changerequest.Request) (*changerequest.ChangeRequest, error)
}

// Result summarizes a run.
type Result struct {
	DryRun        bool
	Users         int // Active users after exclusions.
	Entries       []*byoc.Entry
	Added         map[string][]string // Identities added, by stage.
	SecretsAdded  []string
	Changed       []string // Paths written (or that would be written).
	Commit        string
	ChangeRequest *changerequest.ChangeRequest
	UserErrors    []error
}

// UserError joins the per-user failures.
func (r *Result) UserError() error {
	return errors.Join(r.UserErrors...)
}

// change is one file that differs from the working copy.
type change struct {
	path string
	doc  *document.Document // nil for the vault
	old  []byte
	new  []byte
}

type Syncer struct {
	config        *config.Root
	directory     Directory
	repository    Repository
	changes       ChangeRequests
	provisioner   *provision.Provisioner
	dryRun        bool
	output        io.Writer
	progress      io.Writer
	log           *logging.Logger
	vaultPassword string
}

func New(cfg *config.Root, vaultPassword string) *Syncer {
	return &Syncer{
		config:        cfg,
		vaultPassword: vaultPassword,
		output:        io.Discard,
		log:           logging.NewNop(),
	}
}

func (s *Syncer) WithDirectory(d Directory) *Syncer {
	s.directory = d
	return s
}

func (s *Syncer) WithRepository(r Repository) *Syncer {
	s.repository = r
	return s
}

func (s *Syncer) WithChangeRequests(c ChangeRequests) *Syncer {
	s.changes = c
	return s
}

// WithSecretStore sets the store holding the generated passwords.
func (s *Syncer) WithSecretStore(store provision.SecretStore) *Syncer {
	s.provisioner = provision.New(store, s.vaultPassword)
	return s
}

// WithProvisioner overrides the provisioner built by WithSecretStore.
func (s *Syncer) WithProvisioner(p *provision.Provisioner) *Syncer {
	s.provisioner = p
	return s
}

// WithDryRun makes Run compute and report every change without writing,
// committing, pushing or opening a pull request.
func (s *Syncer) WithDryRun(dryRun bool) *Syncer {
	s.dryRun = dryRun
	return s
}

// WithOutput sets where the summary and the dry-run report are printed.
func (s *Syncer) WithOutput(w io.Writer) *Syncer {
	s.output = w
	return s
}

// WithProgress draws a progress bar of the preference fetches on w.
func (s *Syncer) WithProgress(w io.Writer) *Syncer {
	s.progress = w
	return s
}

func (s *Syncer) WithLogger(log *logging.Logger) *Syncer {
	s.log = log
	return s
}

// Run performs one synchronization.
func (s *Syncer) Run(ctx context.Context) (res *Result, err error) {
	startTime := time.Now()
	stage := StageListUsers
	defer func() {
		metrics.RunFinished(startTime, stage, err)
	}()

	if s.directory == nil || s.repository == nil || s.provisioner == nil || (s.changes == nil && !s.dryRun) {
		return nil, errors.New("syncer is missing a collaborator")
	}

	log := s.log
	if s.dryRun {
		log = log.With("dry_run", true)
	}

	res = &Result{DryRun: s.dryRun, Added: map[string][]string{}}

	users, err := s.directory.ListActiveUsers(ctx)
	if err != nil {
		log.Warnf("failed to list users: %v", err)
		return nil, err
	}
	users = s.filter(users)
	res.Users = len(users)
	metrics.UsersListed.Set(float64(len(users)))

	res.Entries, res.UserErrors = s.collect(ctx, users)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, uerr := range res.UserErrors {
		log.Warnf("skipping user: %v", uerr)
	}
	metrics.Entries.Set(float64(len(res.Entries)))
	metrics.UserErrors.Set(float64(len(res.UserErrors)))
	log.Infof("%d of %d active users have BYOC Pulsar preferences", len(res.Entries), len(users))

	stage = StagePull
	if err := s.repository.PullLatest(ctx); err != nil {
		log.Warnf("failed to pull the configuration repository: %v", err)
		return nil, err
	}

	var changes []change

	for _, step := range []struct {
		stage string
		path  string
		sync  func(*document.Document) ([]string, error)
	}{
		{StageDestinations, s.config.RepoDestinations, func(d *document.Document) ([]string, error) {
			return reconcile.Destinations(d, res.Entries)
		}},
		{StageQueueUsers, s.config.RepoMQ, func(d *document.Document) ([]string, error) {
			return reconcile.QueueUsers(d, res.Entries)
		}},
		{StageJobPlugins, s.config.RepoJobConf, func(d *document.Document) ([]string, error) {
			return reconcile.JobPlugins(d, res.Entries, reconcile.Params{GalaxyURL: s.config.GalaxyURL, AMQPHost: s.config.AMQPHost})
		}},
	} {
		stage = step.stage
		c, added, err := s.reconcile(step.path, step.sync)
		if err != nil {
			log.Warnf("failed to update %s: %v", step.path, err)
			return nil, err
		}
		res.Added[step.stage] = added
		metrics.EntriesAdded.WithLabelValues(step.stage).Set(float64(len(added)))
		if c != nil {
			log.Infof("%s: adding %v", step.path, added)
			changes = append(changes, *c)
		}
	}

	stage = StageSecrets
	c, added, err := s.provision(res.Entries)
	if err != nil {
		log.Warnf("failed to provision secrets in %s: %v", s.config.RepoPulsarSecrets, err)
		return nil, err
	}
	res.SecretsAdded = added
	metrics.SecretsAdded.Set(float64(len(added)))
	if c != nil {
		log.Infof("%s: adding %d secrets", s.config.RepoPulsarSecrets, len(added))
		changes = append(changes, *c)
	}

	for _, c := range changes {
		res.Changed = append(res.Changed, c.path)
	}

	req := changerequest.Request{
		Title: s.config.PRTitle,
		Body:  s.config.PRBody,
		Head:  s.config.BranchName,
		Base:  s.config.BaseBranch,
	}

	if s.dryRun {
		stage = StageWrite
		if err := s.reportDryRun(changes, res, req); err != nil {
			return nil, err
		}
		log.Infof("[dry-run] would write %d files, commit, push and open a pull request", len(changes))
		return res, s.summarize(res)
	}

	if len(changes) == 0 {
		log.Infof("configuration repository is up to date, nothing to commit")
		return res, s.summarize(res)
	}

	stage = StageWrite
	for _, c := range changes {
		if c.doc != nil {
			err = s.repository.WriteDocument(c.path, c.doc)
		} else {
			err = s.repository.WriteFile(c.path, c.new)
		}
		if err != nil {
			log.Warnf("failed to write %s: %v", c.path, err)
			return nil, err
		}
	}

	stage = StagePush
	res.Commit, err = s.repository.CommitAndPush(ctx, res.Changed, s.config.CommitMessage)
	if err != nil {
		log.Warnf("failed to publish changes: %v", err)
		return nil, err
	}

	stage = StageChangeRequest
	res.ChangeRequest, err = s.changes.Open(ctx, req)
	if err != nil {
		log.Warnf("failed to open pull request: %v", err)
		return nil, err
	}

	return res, s.summarize(res)
}

func (s *Syncer) filter(users []byoc.UserRecord) []byoc.UserRecord {
	kept := users[:0:0]
	for _, u := range users {
		if s.config.Excluded(u.Username) {
			s.log.Debugf("user %q is excluded", u.Username)
			continue
		}
		kept = append(kept, u)
	}
	return kept
}

// collect fetches and extracts the preferences of users, keeping their order.
// Failures of single users are returned instead of aborting the run.
func (s *Syncer) collect(ctx context.Context, users []byoc.UserRecord) ([]*byoc.Entry, []error) {
	entries := make([]*byoc.Entry, len(users))
	errs := make([]error, len(users))

	bar := progress.New(s.progress, len(users), "fetching preferences")
	defer bar.Finish()

	var g errgroup.Group
	g.SetLimit(max(s.config.FetchConcurrency, 1))

	for i, u := range users {
		g.Go(func() error {
			defer bar.Increment()
			if ctx.Err() != nil {
				return nil
			}

			prefs, err := s.directory.FetchPreferences(ctx, u.ID)
			if err != nil {
				errs[i] = fmt.Errorf("user %s: %w", u.ID, err)
				return nil
			}
			entries[i], errs[i] = byoc.Extract(u, prefs)
			return nil
		})
	}
	_ = g.Wait()

	var (
		kept   []*byoc.Entry
		failed []error
		owners = map[string]string{}
	)
	for i := range users {
		if errs[i] != nil {
			failed = append(failed, errs[i])
			continue
		}
		e := entries[i]
		if e == nil {
			continue
		}
		if owner, ok := owners[e.ByocUsername]; ok {
			failed = append(failed, &byoc.ParseError{UserID: e.ID, Err: fmt.Errorf("BYOC username %q is already used by user %s", e.ByocUsername, owner)})
			continue
		}
		owners[e.ByocUsername] = e.ID
		kept = append(kept, e)
	}
	return kept, failed
}

func (s *Syncer) reconcile(path string, sync func(*document.Document) ([]string, error)) (*change, []string, error) {
	doc, err := s.repository.ReadDocument(path)
	if err != nil {
		return nil, nil, err
	}

	added, err := sync(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(added) == 0 {
		return nil, nil, nil
	}

	bs, err := doc.Bytes()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return &change{path: path, doc: doc, old: doc.Original(), new: bs}, added, nil
}

func (s *Syncer) provision(entries []*byoc.Entry) (*change, []string, error) {
	path := s.config.RepoPulsarSecrets

	data, err := s.repository.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%s is empty", path)
	}

	out, added, err := s.provisioner.Provision(data, entries)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(added) == 0 {
		return nil, nil, nil
	}
	return &change{path: path, old: data, new: out}, added, nil
}
