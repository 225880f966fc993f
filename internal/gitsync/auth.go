package gitsync

import (
	"context"
	"fmt"
	"net"
	gohttp "net/http"
	"slices"
	"sync"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/usegalaxy-eu/byoc-sync/internal/config"
)

// auth picks the transport credentials: an SSH key first, then a GitHub App installation token, then the
// personal access token. No secrets means anonymous access.
func (s *Synchronizer) auth(ctx context.Context) (transport.AuthMethod, error) {
	switch {
	case s.secrets == nil:
		return nil, nil

	case s.secrets.SSHKey != nil:
		return newSSHAuth(s.repoURL, s.secrets.SSHKey)

	case s.secrets.GitHubApp != nil:
		token, err := s.tokens.token(ctx, s.secrets.GitHubApp)
		if err != nil {
			return nil, err
		}
		return &http.BasicAuth{Username: "x-access-token", Password: token}, nil

	case s.secrets.GitHubToken != "":
		return &http.BasicAuth{Username: "x-access-token", Password: s.secrets.GitHubToken}, nil

	default:
		return nil, nil
	}
}

// installationTokens keeps the GitHub App installation transport of the configured app. The transport hands out
// a cached token and renews it shortly before it expires.
type installationTokens struct {
	mu  sync.Mutex
	app config.SecretGitHubApp
	tr  *ghinstallation.Transport
}

func (t *installationTokens) token(ctx context.Context, app *config.SecretGitHubApp) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tr == nil || t.app != *app {
		tr, err := ghinstallation.NewKeyFromFile(gohttp.DefaultTransport, app.IntegrationID, app.InstallationID, app.PrivateKey)
		if err != nil {
			return "", fmt.Errorf("github_app %d: %w", app.IntegrationID, err)
		}
		t.app, t.tr = *app, tr
	}

	token, err := t.tr.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("github_app %d: installation token for %d: %w", app.IntegrationID, app.InstallationID, err)
	}
	return token, nil
}

// newSSHAuth authenticates with the deploy key of the secrets file. The SSH user is taken from repoURL
// (git@host:org/repo.git), "git" when the URL names none.
func newSSHAuth(repoURL string, key *config.SecretSSHKey) (gitssh.AuthMethod, error) {
	if len(key.Fingerprints) == 0 {
		return nil, fmt.Errorf("ssh_key: no host key fingerprints configured for %s", repoURL)
	}

	var signer ssh.Signer
	var err error
	if key.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(key.Key), []byte(key.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey([]byte(key.Key))
	}
	if err != nil {
		return nil, fmt.Errorf("ssh_key: %w", err)
	}

	user := "git"
	if ep, err := transport.NewEndpoint(repoURL); err == nil && ep.User != "" {
		user = ep.User
	}

	return &gitssh.PublicKeys{
		User:   user,
		Signer: signer,
		HostKeyCallbackHelper: gitssh.HostKeyCallbackHelper{
			HostKeyCallback: checkFingerprints(repoURL, key.Fingerprints),
		},
	}, nil
}

// checkFingerprints accepts only host keys listed in ssh_key.fingerprints.
func checkFingerprints(repoURL string, fingerprints []string) ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		fingerprint := ssh.FingerprintSHA256(key)
		if !slices.Contains(fingerprints, fingerprint) {
			return fmt.Errorf("ssh: host %s of %s presented key %s, which is not in ssh_key.fingerprints", hostname, repoURL, fingerprint)
		}
		return nil
	}
}
