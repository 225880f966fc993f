// Package provision generates the RabbitMQ passwords of BYOC users and adds
// them to the encrypted Pulsar secrets.
package provision

import (
	"crypto/rand"
	"math/big"

	"github.com/usegalaxy-eu/byoc-sync/internal/byoc"
	"github.com/usegalaxy-eu/byoc-sync/internal/document"
)

// PasswordLength is the length of generated passwords.
const PasswordLength = 14

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// SecretStore reads and writes the variables of an encrypted container as a
// YAML mapping.
type SecretStore interface {
	Load(data []byte, password string) (*document.Document, error)
	Dump(doc *document.Document, password string) ([]byte, error)
}

// GeneratePassword returns a random alphanumeric password.
func GeneratePassword() (string, error) {
	n := big.NewInt(int64(len(alphabet)))
	b := make([]byte, PasswordLength)
	for i := range b {
		j, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[j.Int64()]
	}
	return string(b), nil
}

type Provisioner struct {
	store    SecretStore
	password string
	generate func() (string, error)
}

// New creates a Provisioner opening the store with the vault password.
func New(store SecretStore, password string) *Provisioner {
	return &Provisioner{store: store, password: password, generate: GeneratePassword}
}

func (p *Provisioner) WithGenerator(fn func() (string, error)) *Provisioner {
	p.generate = fn
	return p
}

// AssignPasswords gives every entry without a password a generated one.
// Passwords set by the user are kept.
func (p *Provisioner) AssignPasswords(entries []*byoc.Entry) error {
	for _, e := range entries {
		if e.Password != "" {
			continue
		}
		pw, err := p.generate()
		if err != nil {
			return err
		}
		e.Password = pw
	}
	return nil
}

// Provision assigns missing passwords, decrypts data and stores the password
// of every entry whose secret key is absent. Existing keys and their values
// are left untouched. It returns the keys it added and the new container; when
// nothing was added data is returned unchanged.
func (p *Provisioner) Provision(data []byte, entries []*byoc.Entry) ([]byte, []string, error) {
	if err := p.AssignPasswords(entries); err != nil {
		return nil, nil, err
	}

	doc, err := p.store.Load(data, p.password)
	if err != nil {
		return nil, nil, err
	}
	vars, err := doc.Mapping()
	if err != nil {
		return nil, nil, err
	}

	var added []string
	for _, e := range entries {
		key := e.SecretKey()
		if document.HasKey(vars, key) {
			continue
		}
		document.Set(vars, key, document.Quoted(e.Password))
		added = append(added, key)
	}

	if len(added) == 0 {
		return data, nil, nil
	}

	out, err := p.store.Dump(doc, p.password)
	if err != nil {
		return nil, nil, err
	}
	return out, added, nil
}
