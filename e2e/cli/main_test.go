// Copyright 2025 The OPA Authors
// SPDX-License-Identifier: Apache-2.0

//go:build e2e

package cli

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rogpeppe/go-internal/testscript"

	"github.com/usegalaxy-eu/byoc-sync/internal/vault"
)

const (
	apiKey      = "e2e-admin-key"
	githubToken = "e2e-github-token"
)

var preferences = map[string]string{
	"1": `{"byoc_pulsar|username": "alice", "byoc_pulsar|max_accepted_cores": "4", "byoc_pulsar|max_accepted_mem": "8G", "byoc_pulsar|min_accepted_gpus": "0", "byoc_pulsar|max_accepted_gpus": "1"}`,
	"2": `{"byoc_pulsar|username": "bob"}`,
}

func testServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != apiKey {
			http.Error(w, `{"err_msg": "Provided API key is not valid."}`, http.StatusForbidden)
			return
		}
		w.Header().Add("content-type", "application/json")
		if err := json.NewEncoder(w).Encode([]map[string]any{
			{"id": "1", "username": "alice", "deleted": false, "active": true},
			{"id": "2", "username": "bob", "deleted": false, "active": true},
			{"id": "3", "username": "carol", "deleted": true, "active": true},
		}); err != nil {
			fmt.Fprintln(w, err.Error())
		}
	})
	mux.HandleFunc("GET /api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != apiKey {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Add("content-type", "application/json")
		prefs := map[string]any{"localization": "en"}
		if extra, ok := preferences[r.PathValue("id")]; ok {
			prefs["extra_user_preferences"] = extra
		}
		if err := json.NewEncoder(w).Encode(map[string]any{"id": r.PathValue("id"), "preferences": prefs}); err != nil {
			fmt.Fprintln(w, err.Error())
		}
	})

	mux.HandleFunc("POST /repos/{owner}/{repo}/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+githubToken {
			http.Error(w, `{"message": "Bad credentials"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Add("content-type", "application/json")
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(map[string]any{
			"number":   7,
			"html_url": fmt.Sprintf("https://github.com/%s/%s/pull/7", r.PathValue("owner"), r.PathValue("repo")),
		}); err != nil {
			fmt.Fprintln(w, err.Error())
		}
	})

	return httptest.NewServer(mux)
}

func TestScript(t *testing.T) {
	byocsync := cmp.Or(os.Getenv("BYOCSYNC"), "byocsync")
	srv := testServer()
	t.Cleanup(srv.Close)

	testscript.Run(t, testscript.Params{
		Dir: ".",
		Setup: func(e *testscript.Env) error {
			e.Vars = append(e.Vars,
				"GALAXY_URL="+srv.URL,
				"GALAXY_API_KEY="+apiKey,
				"GITHUB_TOKEN="+githubToken,
				"BYOCSYNC="+byocsync,
			)
			for _, kv := range os.Environ() {
				if strings.HasPrefix(kv, "E2E_") {
					e.Vars = append(e.Vars, kv)
				}
			}
			return nil
		},
		Condition: func(cond string) (bool, error) {
			args := strings.Split(cond, ":")
			name := args[0]
			switch name {
			case "env":
				if len(args) < 2 {
					return false, fmt.Errorf("syntax: [env:SOME_VAR]")
				}
				return os.Getenv(args[1]) != "", nil
			default:
				return false, fmt.Errorf("unknown condition %s", name)
			}
		},
		Cmds: map[string]func(*testscript.TestScript, bool, []string){
			"expand":   expandCmd,
			"playbook": playbookCmd,
			"vault":    vaultCmd,
		},
		// NB: To quickly update expectations in txtar files, try re-running the tests with
		// E2E_UPDATE=y, for example:
		//   E2E_UPDATE=y go test -tags e2e ./e2e/cli -run TestScript/dry_run -v -count=1
		UpdateScripts: os.Getenv("E2E_UPDATE") != "",
	})
}

// expandCmd replaces ${VAR} references in the given files with the values of
// the script environment.
func expandCmd(ts *testscript.TestScript, neg bool, args []string) {
	if neg || len(args) == 0 {
		ts.Fatalf("usage: expand file...")
	}
	for _, name := range args {
		path := ts.MkAbs(name)
		data, err := os.ReadFile(path)
		ts.Check(err)
		ts.Check(os.WriteFile(path, []byte(os.Expand(string(data), ts.Getenv)), 0o644))
	}
}

// playbookCmd creates a bare repository at the second argument whose main
// branch holds the files of the directory given as first argument.
func playbookCmd(ts *testscript.TestScript, neg bool, args []string) {
	if neg || len(args) != 2 {
		ts.Fatalf("usage: playbook srcdir remote")
	}
	src, remote := ts.MkAbs(args[0]), ts.MkAbs(args[1])

	opts := git.InitOptions{DefaultBranch: plumbing.Main}
	_, err := git.PlainInitWithOptions(remote, &git.PlainInitOptions{InitOptions: opts, Bare: true})
	ts.Check(err)

	repo, err := git.PlainInitWithOptions(src, &git.PlainInitOptions{InitOptions: opts})
	ts.Check(err)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{remote}})
	ts.Check(err)

	w, err := repo.Worktree()
	ts.Check(err)
	ts.Check(filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			if d != nil && d.Name() == ".git" {
				return filepath.SkipDir
			}
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		_, err = w.Add(filepath.ToSlash(rel))
		return err
	}))

	_, err = w.Commit("initial", &git.CommitOptions{Author: &object.Signature{Name: "e2e", Email: "e2e@example.org", When: time.Now()}})
	ts.Check(err)
	ts.Check(repo.Push(&git.PushOptions{RefSpecs: []gitconfig.RefSpec{"refs/heads/main:refs/heads/main"}}))
}

// vaultCmd encrypts or decrypts a file in place with the given password:
// vault encrypt|decrypt password file.
func vaultCmd(ts *testscript.TestScript, neg bool, args []string) {
	if neg || len(args) != 3 {
		ts.Fatalf("usage: vault encrypt|decrypt password file")
	}
	path := ts.MkAbs(args[2])
	data, err := os.ReadFile(path)
	ts.Check(err)

	switch args[0] {
	case "encrypt":
		data, err = vault.Encrypt(data, args[1])
	case "decrypt":
		data, err = vault.Decrypt(data, args[1])
	default:
		ts.Fatalf("unknown vault operation %s", args[0])
	}
	ts.Check(err)
	ts.Check(os.WriteFile(path, data, 0o644))
}
