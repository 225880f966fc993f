package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
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

	"github.com/usegalaxy-eu/byoc-sync/internal/logging"
	"github.com/usegalaxy-eu/byoc-sync/internal/vault"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	rootCmd := newRootCmd()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const secrets = `{"api_key": "admin-key", "vault_password": "vault-secret", "github_token": "token"}`

func configFor(serverURL, dir, remote string) string {
	return fmt.Sprintf(`{
	"server_url": %q,
	"repo_local_dir": %q,
	"repo_url": %q,
	"repo_destinations": "files/galaxy/tpv/destinations.yml",
	"repo_mq": "group_vars/mq.yml",
	"repo_job_conf": "group_vars/sn06.yml",
	"repo_pulsar_secrets": "secret_group_vars/pulsar.yml",
	"repo_api_url": "https://api.github.com/repos/usegalaxy-eu/infrastructure-playbook",
	"branch_name": "byoc-sync",
	"http_retries": 0
}`, serverURL, dir, remote)
}

func TestFlags(t *testing.T) {
	rootCmd := newRootCmd()
	for _, name := range []string{"config", "secrets", "log-level", "log-format"} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("missing persistent flag --%s", name)
		}
	}
	for _, name := range []string{"dry-run", "metrics-file", "progress"} {
		if rootCmd.Flags().Lookup(name) == nil {
			t.Errorf("missing flag --%s", name)
		}
	}

	if rootCmdLogLevel != logging.Info || rootCmdLogFormat != logging.FormatAuto {
		t.Fatalf("unexpected default log settings %v %v", rootCmdLogLevel, rootCmdLogFormat)
	}

	if _, err := execute(t, "schema", "--log-level", "verbose"); err == nil {
		t.Fatal("expected invalid log level to be rejected")
	}

	if _, err := execute(t, "schema", "--log-level", "DEBUG", "--log-format", "json"); err != nil {
		t.Fatal(err)
	}
	if rootCmdLogLevel != logging.Debug || rootCmdLogFormat != logging.FormatJSON {
		t.Fatalf("unexpected log settings %v %v", rootCmdLogLevel, rootCmdLogFormat)
	}
}

func TestSchema(t *testing.T) {
	out, err := execute(t, "schema")
	if err != nil {
		t.Fatal(err)
	}

	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if _, ok := schema["properties"].(map[string]any)["repo_pulsar_secrets"]; !ok {
		t.Fatalf("expected repo_pulsar_secrets in schema, got:\n%s", out)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.json")
	sec := filepath.Join(dir, "secrets.json")
	writeFile(t, cfg, configFor("https://usegalaxy.eu", filepath.Join(dir, "playbook"), ""))
	writeFile(t, sec, secrets)

	out, err := execute(t, "validate", "--config", cfg, "--secrets", sec)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "are valid") {
		t.Fatalf("unexpected output %q", out)
	}

	writeFile(t, sec, `{"api_key": "admin-key"}`)
	if _, err := execute(t, "validate", "--config", cfg, "--secrets", sec); err == nil || !strings.Contains(err.Error(), "vault_password") {
		t.Fatalf("expected missing vault_password error, got %v", err)
	}

	if _, err := execute(t, "validate", "--config", filepath.Join(dir, "missing.json"), "--secrets", sec); err == nil {
		t.Fatal("expected missing config file error")
	}
}

func galaxy(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": "1", "username": "alice", "deleted": false, "active": true},
		})
	})
	mux.HandleFunc("GET /api/users/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"preferences": {"extra_user_preferences": "{\"byoc_pulsar|username\": \"alice\", \"byoc_pulsar|max_accepted_cores\": \"4\", \"byoc_pulsar|max_accepted_mem\": \"8G\", \"byoc_pulsar|min_accepted_gpus\": \"0\", \"byoc_pulsar|max_accepted_gpus\": \"1\"}"}}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func playbookRemote(t *testing.T) string {
	t.Helper()

	remote := filepath.Join(t.TempDir(), "playbook.git")
	opts := git.InitOptions{DefaultBranch: plumbing.Main}
	if _, err := git.PlainInitWithOptions(remote, &git.PlainInitOptions{InitOptions: opts, Bare: true}); err != nil {
		t.Fatal(err)
	}

	seed := t.TempDir()
	repo, err := git.PlainInitWithOptions(seed, &git.PlainInitOptions{InitOptions: opts})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{remote}}); err != nil {
		t.Fatal(err)
	}

	secrets, err := vault.Encrypt([]byte("{}\n"), "vault-secret")
	if err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"files/galaxy/tpv/destinations.yml": "destinations: {}\n",
		"group_vars/mq.yml":                 "rabbitmq_users: []\n",
		"group_vars/sn06.yml":               "galaxy_jobconf:\n  plugins: []\n",
		"secret_group_vars/pulsar.yml":      string(secrets),
	}

	w, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	for path, content := range files {
		writeFile(t, filepath.Join(seed, path), content)
		if _, err := w.Add(path); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := w.Commit("initial", &git.CommitOptions{Author: &object.Signature{Name: "t", Email: "t@example.org", When: time.Now()}}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Push(&git.PushOptions{RefSpecs: []gitconfig.RefSpec{"refs/heads/main:refs/heads/main"}}); err != nil {
		t.Fatal(err)
	}
	return remote
}

func TestDryRun(t *testing.T) {
	srv := galaxy(t)
	remote := playbookRemote(t)

	dir := t.TempDir()
	playbook := filepath.Join(dir, "playbook")
	cfg := filepath.Join(dir, "config.json")
	sec := filepath.Join(dir, "secrets.json")
	metricsFile := filepath.Join(dir, "byocsync.prom")
	writeFile(t, cfg, configFor(srv.URL, playbook, remote))
	writeFile(t, sec, secrets)

	out, err := execute(t, "--config", cfg, "--secrets", sec, "--dry_run", "--metrics-file", metricsFile, "--log-format", "json", "--log-level", "error")
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"+++ b/files/galaxy/tpv/destinations.yml",
		"pulsar_alice_tpv:",
		"user: galaxy_alice",
		"id: pulsar_eu_alice",
		"+ rabbitmq_password_galaxy_alice",
		"[dry-run] would create pull request with the following data:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}

	bs, err := os.ReadFile(filepath.Join(playbook, "files", "galaxy", "tpv", "destinations.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != "destinations: {}\n" {
		t.Fatalf("dry run modified the working copy:\n%s", bs)
	}

	r, err := git.PlainOpen(remote)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Reference(plumbing.NewBranchReferenceName("byoc-sync"), true); err == nil {
		t.Fatal("dry run pushed the sync branch")
	}

	m, err := os.ReadFile(metricsFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(m), "byoc_sync_last_run_success 1") {
		t.Fatalf("unexpected metrics:\n%s", m)
	}
}
