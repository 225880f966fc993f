// Package repository gives access to the files of the configuration
// repository working copy and publishes changes made to them.
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/usegalaxy-eu/byoc-sync/internal/document"
	"github.com/usegalaxy-eu/byoc-sync/internal/gitsync"
)

type Accessor struct {
	git *gitsync.Synchronizer
	fs  billy.Filesystem
}

func New(git *gitsync.Synchronizer) *Accessor {
	return &Accessor{git: git, fs: osfs.New(git.Path(), osfs.WithBoundOS())}
}

// PullLatest brings the working copy up to date with the remote sync branch.
func (a *Accessor) PullLatest(ctx context.Context) error {
	return a.git.Pull(ctx)
}

// ReadDocument parses the YAML document at path.
func (a *Accessor) ReadDocument(path string) (*document.Document, error) {
	bs, err := a.ReadFile(path)
	if err != nil {
		return nil, err
	}

	d, err := document.Parse(bs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// WriteDocument encodes doc and replaces the file at path.
func (a *Accessor) WriteDocument(path string, doc *document.Document) error {
	bs, err := doc.Bytes()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return a.WriteFile(path, bs)
}

// ReadFile returns the content of the file at path, relative to the working
// copy root.
func (a *Accessor) ReadFile(path string) ([]byte, error) {
	if err := check(path); err != nil {
		return nil, err
	}
	return util.ReadFile(a.fs, path)
}

// WriteFile replaces the file at path through a rename, keeping its
// permissions.
func (a *Accessor) WriteFile(path string, data []byte) error {
	if err := check(path); err != nil {
		return err
	}

	mode := os.FileMode(0o644)
	if fi, err := a.fs.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".byocsync")
	f, err := a.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer a.fs.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return a.fs.Rename(tmp, path)
}

// CommitAndPush commits exactly paths and pushes the sync branch.
func (a *Accessor) CommitAndPush(ctx context.Context, paths []string, message string) (string, error) {
	for _, p := range paths {
		if err := check(p); err != nil {
			return "", err
		}
	}
	return a.git.CommitAndPush(ctx, paths, message)
}

func check(path string) error {
	if !filepath.IsLocal(path) {
		return fmt.Errorf("path %q escapes the repository", path)
	}
	return nil
}
