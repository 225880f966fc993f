package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
)

var wellknownFingerprints = []string{
	"SHA256:uNiVztksCsDhcc0u9e8BujQXVUpKZIDTMczCvj3tD2s", // github.com https://docs.github.com/en/github/authenticating-to-github/githubs-ssh-key-fingerprints
	"SHA256:p2QAMXNIC1TJYWeIOttrVc98/R1BUFWu3/LiyKgUfQM", // github.com
	"SHA256:+DiY3wvvV6TuJJhbpZisF/zLDA0zPMSvHdkr4UvCOqU", // github.com
	"SHA256:zzXQOXSRBEiUtuE8AikJYKwbHaxvSc0ojez9YXaGp1A", // bitbucket.org https://support.atlassian.com/bitbucket-cloud/docs/configure-ssh-and-two-step-verification/
}

// Secrets is the secrets object (secrets.json) holding every credential a run
// needs.
//
// Values may refer to environment variables using the ${VAR_NAME} syntax. For
// example (in YAML):
//
//	api_key: ${GALAXY_API_KEY}
//	vault_password: ${VAULT_PASSWORD}
//	github_token: ${GITHUB_TOKEN}
//
// Git transport credentials are chosen in this order: ssh_key, github_app,
// github_token. The pull request API uses github_app when present, the token
// otherwise.
type Secrets struct {
	APIKey        string           `json:"api_key"`
	VaultPassword string           `json:"vault_password"`
	GitHubToken   string           `json:"github_token"`
	SSHKey        *SecretSSHKey    `json:"ssh_key,omitempty"`
	GitHubApp     *SecretGitHubApp `json:"github_app,omitempty"`
}

type SecretGitHubApp struct {
	IntegrationID  int64  `json:"integration_id"`
	InstallationID int64  `json:"installation_id"`
	PrivateKey     string `json:"private_key"` // Path to the private key PEM file.
}

type SecretSSHKey struct {
	Key          string   `json:"key"`                    // Private key as PEM.
	Passphrase   string   `json:"passphrase,omitempty"`   // Optional passphrase for the private key.
	Fingerprints []string `json:"fingerprints,omitempty"` // Optional SSH host key fingerprints.
}

func ParseSecretsFile(filename string) (*Secrets, error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file %s: %w", filename, err)
	}

	return ParseSecrets(bs)
}

func ParseSecrets(bs []byte) (*Secrets, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secrets: %w", err)
	}

	var s Secrets
	if err := decode(expand(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to decode secrets: %w", err)
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	return &s, nil
}

func (s *Secrets) validate() error {
	switch {
	case s.APIKey == "":
		return errors.New("missing api_key in secrets")
	case s.VaultPassword == "":
		return errors.New("missing vault_password in secrets")
	case s.GitHubToken == "" && s.GitHubApp == nil:
		return errors.New("missing github_token or github_app in secrets")
	}

	if s.SSHKey != nil {
		if s.SSHKey.Key == "" {
			return errors.New("missing key in SSH secret")
		}
		// If no fingerprints are provided, use well-known ones for popular services.
		if len(s.SSHKey.Fingerprints) == 0 {
			s.SSHKey.Fingerprints = wellknownFingerprints
		}
	}

	if s.GitHubApp != nil && (s.GitHubApp.IntegrationID == 0 || s.GitHubApp.InstallationID == 0 || s.GitHubApp.PrivateKey == "") {
		return errors.New("missing integration_id, installation_id or private_key in GitHub App secret")
	}

	return nil
}

// expand resolves ${VAR} references in string values, recursively.
// NB: environment variables are the only external source supported so far.
func expand(v any) any {
	switch v := v.(type) {
	case string:
		return os.ExpandEnv(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, x := range v {
			out[k] = expand(x)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = expand(x)
		}
		return out
	default: // Keep non-string values as is
		return v
	}
}

// we use this one so we don't need duplicate tags on every struct
func decode(input any, output any) error {
	config := &mapstructure.DecoderConfig{
		TagName:          "json",
		Metadata:         nil,
		Result:           output,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}
