package vault

import (
	"fmt"

	"github.com/usegalaxy-eu/byoc-sync/internal/document"
)

// Store keeps a YAML mapping of Ansible variables in a vault container. The
// plaintext is edited as a document, so tags, comments and the spelling of
// existing values survive a Load/Dump round trip.
type Store struct{}

// Load decrypts data and parses the variables it holds.
func (Store) Load(data []byte, password string) (*document.Document, error) {
	plaintext, err := Decrypt(data, password)
	if err != nil {
		return nil, err
	}

	doc, err := document.Parse(plaintext)
	if err != nil {
		return nil, &DecryptionError{Err: fmt.Errorf("vault content is not a YAML mapping: %w", err)}
	}
	return doc, nil
}

// Dump encodes doc and encrypts it.
func (Store) Dump(doc *document.Document, password string) ([]byte, error) {
	plaintext, err := doc.Bytes()
	if err != nil {
		return nil, err
	}
	return Encrypt(plaintext, password)
}
