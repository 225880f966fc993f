// gitsync package implements the git side of the configuration repository: it keeps the local working copy
// on the sync branch up to date with the remote and commits and pushes the files a run modified. The
// Synchronizer is not thread-safe; callers hold the run lock while using it.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/usegalaxy-eu/byoc-sync/internal/config"
	"github.com/usegalaxy-eu/byoc-sync/internal/logging"
	"github.com/usegalaxy-eu/byoc-sync/internal/metrics"
)

const remoteName = "origin"

var (
	// ErrNonFastForward is returned by Pull when the local sync branch and its remote counterpart diverged.
	ErrNonFastForward = errors.New("local and remote branches diverged, cannot fast-forward")

	// ErrDirtyWorktree is returned by Pull when tracked files of the working copy have uncommitted changes.
	ErrDirtyWorktree = errors.New("working copy has uncommitted changes")
)

func init() {
	// For Azure DevOps compatibility. More details: https://github.com/go-git/go-git/issues/64
	transport.UnsupportedCapabilities = []capability.Capability{
		capability.ThinPack,
	}
}

// Error reports a failed operation against the configuration repository.
type Error struct {
	Op  string // "open", "clone", "fetch", "checkout", "pull", "commit" or "push".
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Synchronizer struct {
	path    string
	repoURL string
	branch  string
	base    string
	author  config.Author
	secrets *config.Secrets
	tokens  installationTokens
	log     *logging.Logger
}

// New creates a Synchronizer for the working copy at path, committing to and pushing branch. If path does not
// hold a repository yet, Pull clones repoURL into it.
func New(path string, repoURL string, branch string) *Synchronizer {
	return &Synchronizer{
		path:    path,
		repoURL: repoURL,
		branch:  branch,
		base:    config.DefaultBaseBranch,
		author:  config.Author{Name: config.DefaultAuthorName, Email: config.DefaultAuthorEmail},
		log:     logging.NewNop(),
	}
}

// WithBaseBranch sets the branch a missing sync branch is started from.
func (s *Synchronizer) WithBaseBranch(base string) *Synchronizer {
	s.base = base
	return s
}

func (s *Synchronizer) WithAuthor(author config.Author) *Synchronizer {
	s.author = author
	return s
}

// WithSecrets configures the transport credentials. Without secrets the remote is accessed anonymously.
func (s *Synchronizer) WithSecrets(secrets *config.Secrets) *Synchronizer {
	s.secrets = secrets
	return s
}

func (s *Synchronizer) WithLogger(log *logging.Logger) *Synchronizer {
	s.log = log
	return s
}

// Path returns the root of the working copy.
func (s *Synchronizer) Path() string {
	return s.path
}

// Pull brings the working copy up to date: it clones the repository if needed, fetches the remote, checks out
// the sync branch (creating it from the base branch when it exists nowhere yet) and fast-forwards it to the
// remote sync branch. Once the remote sync branch is gone, a local branch without unpushed commits restarts from
// the remote base branch. Pull never touches a working copy with uncommitted changes to tracked files.
func (s *Synchronizer) Pull(ctx context.Context) error {
	start := time.Now()
	err := s.pull(ctx)
	metrics.GitOperation("pull", start, err)
	return err
}

func (s *Synchronizer) pull(ctx context.Context) error {
	repository, authMethod, cloned, err := s.open(ctx)
	if err != nil {
		return err
	}

	local := plumbing.NewBranchReferenceName(s.branch)
	remoteRef := plumbing.NewRemoteReferenceName(remoteName, s.branch)

	// Where the sync branch was on the remote as of the previous fetch.
	tracked, err := reference(repository, remoteRef)
	if err != nil {
		return &Error{Op: "fetch", Err: err}
	}

	if err := repository.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		Auth:       authMethod,
		Force:      true,
		Prune:      true,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", remoteName)),
		},
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return &Error{Op: "fetch", Err: err}
	}

	remote, err := reference(repository, remoteRef)
	if err != nil {
		return &Error{Op: "fetch", Err: err}
	}

	current, err := reference(repository, local)
	if err != nil {
		return &Error{Op: "checkout", Err: err}
	}

	w, err := repository.Worktree()
	if err != nil {
		return &Error{Op: "checkout", Err: err}
	}

	// A clone made with NoCheckout has an empty index, which Status reports as deletions.
	if !cloned {
		if paths, err := modified(w); err != nil {
			return &Error{Op: "checkout", Err: err}
		} else if len(paths) > 0 {
			return &Error{Op: "checkout", Err: fmt.Errorf("%w in %s: %s", ErrDirtyWorktree, s.path, strings.Join(paths, ", "))}
		}
	}

	switch {
	case current == nil:
		start, err := s.startPoint(repository, remote)
		if err != nil {
			return &Error{Op: "checkout", Err: err}
		}
		current = plumbing.NewHashReference(local, start)
		if err := repository.Storer.SetReference(current); err != nil {
			return &Error{Op: "checkout", Err: err}
		}
		s.log.Infof("created branch %s at %s", s.branch, start)

	case remote == nil:
		restart, err := s.restartPoint(repository, current, tracked)
		if err != nil {
			return &Error{Op: "checkout", Err: err}
		}
		if !restart.IsZero() && restart != current.Hash() {
			current = plumbing.NewHashReference(local, restart)
			if err := repository.Storer.SetReference(current); err != nil {
				return &Error{Op: "checkout", Err: err}
			}
			s.log.Infof("%s/%s no longer exists, restarted branch %s from %s/%s at %s", remoteName, s.branch, s.branch, remoteName, s.base, restart)
		}
	}

	if err := w.Checkout(&git.CheckoutOptions{Branch: local}); err != nil {
		return &Error{Op: "checkout", Err: err}
	}

	if remote == nil || remote.Hash() == current.Hash() {
		s.log.Debugf("branch %s is up to date", s.branch)
		return nil
	}

	localCommit, err := repository.CommitObject(current.Hash())
	if err != nil {
		return &Error{Op: "pull", Err: err}
	}
	remoteCommit, err := repository.CommitObject(remote.Hash())
	if err != nil {
		return &Error{Op: "pull", Err: err}
	}

	if ahead, err := remoteCommit.IsAncestor(localCommit); err != nil {
		return &Error{Op: "pull", Err: err}
	} else if ahead {
		s.log.Warnf("branch %s is ahead of %s/%s, unpushed commits will be pushed with this run", s.branch, remoteName, s.branch)
		return nil
	}

	if ff, err := localCommit.IsAncestor(remoteCommit); err != nil {
		return &Error{Op: "pull", Err: err}
	} else if !ff {
		return &Error{Op: "pull", Err: ErrNonFastForward}
	}

	if err := w.Reset(&git.ResetOptions{Commit: remote.Hash(), Mode: git.MergeReset}); err != nil {
		return &Error{Op: "pull", Err: err}
	}

	s.log.Infof("fast-forwarded %s to %s", s.branch, remote.Hash())
	return nil
}

// CommitAndPush stages exactly the given paths (relative to the working copy root), commits them and pushes the
// sync branch. It returns the hash of the new commit.
func (s *Synchronizer) CommitAndPush(ctx context.Context, paths []string, message string) (string, error) {
	start := time.Now()
	hash, err := s.commitAndPush(ctx, paths, message)
	metrics.GitOperation("push", start, err)
	return hash, err
}

func (s *Synchronizer) commitAndPush(ctx context.Context, paths []string, message string) (string, error) {
	repository, err := git.PlainOpen(s.path)
	if err != nil {
		return "", &Error{Op: "open", Err: err}
	}

	w, err := repository.Worktree()
	if err != nil {
		return "", &Error{Op: "commit", Err: err}
	}

	for _, path := range paths {
		if _, err := w.Add(path); err != nil {
			return "", &Error{Op: "commit", Err: fmt.Errorf("stage %s: %w", path, err)}
		}
	}

	hash, err := w.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.author.Name,
			Email: s.author.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", &Error{Op: "commit", Err: err}
	}

	s.log.Infof("committed %d files as %s", len(paths), hash)

	authMethod, err := s.auth(ctx)
	if err != nil {
		return "", &Error{Op: "push", Err: err}
	}

	ref := plumbing.NewBranchReferenceName(s.branch)
	if err := repository.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		Auth:       authMethod,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("%s:%s", ref, ref))},
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", &Error{Op: "push", Err: err}
	}

	s.log.Infof("pushed %s to %s", s.branch, remoteName)
	return hash.String(), nil
}

func (s *Synchronizer) open(ctx context.Context) (*git.Repository, transport.AuthMethod, bool, error) {
	authMethod, err := s.auth(ctx)
	if err != nil {
		return nil, nil, false, &Error{Op: "open", Err: err}
	}

	repository, err := git.PlainOpen(s.path)
	if errors.Is(err, git.ErrRepositoryNotExists) { // does not exist? clone it
		if s.repoURL == "" {
			return nil, nil, false, &Error{Op: "open", Err: fmt.Errorf("%s is not a git repository and no repo_url is configured", s.path)}
		}
		if err := os.MkdirAll(s.path, 0o755); err != nil {
			return nil, nil, false, &Error{Op: "clone", Err: err}
		}

		s.log.Infof("cloning %s into %s", s.repoURL, s.path)
		repository, err = git.PlainCloneContext(ctx, s.path, false, &git.CloneOptions{
			URL:        s.repoURL,
			RemoteName: remoteName,
			Auth:       authMethod,
			NoCheckout: true, // We will checkout later
		})
		if err != nil {
			return nil, nil, false, &Error{Op: "clone", Err: err}
		}
		return repository, authMethod, true, nil
	} else if err != nil { // other errors are bubbled up
		return nil, nil, false, &Error{Op: "open", Err: err}
	}

	return repository, authMethod, false, nil
}

// startPoint picks the commit a new sync branch starts at: the remote sync branch, the remote base branch or the
// current HEAD, in that order.
func (s *Synchronizer) startPoint(repository *git.Repository, remote *plumbing.Reference) (plumbing.Hash, error) {
	if remote != nil {
		return remote.Hash(), nil
	}

	base, err := reference(repository, plumbing.NewRemoteReferenceName(remoteName, s.base))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if base != nil {
		return base.Hash(), nil
	}

	head, err := repository.Head()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("no %s/%s branch and no HEAD to start %s from: %w", remoteName, s.base, s.branch, err)
	}
	return head.Hash(), nil
}

// restartPoint returns the remote base branch when the local sync branch, whose remote counterpart is gone, holds
// nothing that was not pushed before or merged into the base branch. It returns the zero hash when the branch is
// to be kept.
func (s *Synchronizer) restartPoint(repository *git.Repository, current, tracked *plumbing.Reference) (plumbing.Hash, error) {
	base, err := reference(repository, plumbing.NewRemoteReferenceName(remoteName, s.base))
	if err != nil || base == nil {
		return plumbing.ZeroHash, err
	}

	if tracked != nil && tracked.Hash() == current.Hash() {
		return base.Hash(), nil
	}

	localCommit, err := repository.CommitObject(current.Hash())
	if err != nil {
		return plumbing.ZeroHash, err
	}
	baseCommit, err := repository.CommitObject(base.Hash())
	if err != nil {
		return plumbing.ZeroHash, err
	}
	merged, err := localCommit.IsAncestor(baseCommit)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if !merged {
		s.log.Warnf("branch %s has commits that were never pushed, keeping it", s.branch)
		return plumbing.ZeroHash, nil
	}
	return base.Hash(), nil
}

// modified lists the tracked files with staged or unstaged changes.
func modified(w *git.Worktree) ([]string, error) {
	status, err := w.Status()
	if err != nil {
		return nil, err
	}

	var paths []string
	for path, st := range status {
		if st.Worktree == git.Untracked || (st.Staging == git.Unmodified && st.Worktree == git.Unmodified) {
			continue
		}
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths, nil
}

// reference resolves name, returning nil if it does not exist.
func reference(repository *git.Repository, name plumbing.ReferenceName) (*plumbing.Reference, error) {
	ref, err := repository.Reference(name, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	return ref, err
}
