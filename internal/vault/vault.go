// Package vault reads and writes Ansible Vault AES256 containers.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	header     = "$ANSIBLE_VAULT"
	version    = "1.1"
	cipherName = "AES256"

	saltSize   = 32
	keySize    = 32
	iterations = 10000
	lineWidth  = 80
)

var (
	ErrNotVault       = errors.New("not an ansible vault")
	ErrUnsupported    = errors.New("unsupported vault format")
	ErrIntegrity      = errors.New("HMAC mismatch, wrong password or corrupt vault")
	ErrInvalidPadding = errors.New("invalid padding")
)

// DecryptionError is returned when a vault cannot be opened.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("vault decryption failed: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// Encrypt seals plaintext in a version 1.1 envelope.
func Encrypt(plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return encrypt(plaintext, password, salt)
}

func encrypt(plaintext []byte, password string, salt []byte) ([]byte, error) {
	cipherKey, hmacKey, iv := deriveKeys(password, salt)

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, err
	}

	padded := pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, padded)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(ciphertext)

	inner := strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(mac.Sum(nil)),
		hex.EncodeToString(ciphertext),
	}, "\n")
	body := hex.EncodeToString([]byte(inner))

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s;%s;%s\n", header, version, cipherName)
	for len(body) > 0 {
		n := min(lineWidth, len(body))
		buf.WriteString(body[:n])
		buf.WriteByte('\n')
		body = body[n:]
	}
	return buf.Bytes(), nil
}

// Decrypt opens a version 1.1 or 1.2 envelope. Every failure is a
// *DecryptionError.
func Decrypt(data []byte, password string) ([]byte, error) {
	plaintext, err := decrypt(data, password)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	return plaintext, nil
}

func decrypt(data []byte, password string) ([]byte, error) {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return nil, ErrNotVault
	}

	// $ANSIBLE_VAULT;1.1;AES256 or $ANSIBLE_VAULT;1.2;AES256;<vault id>
	fields := strings.Split(strings.TrimSpace(lines[0]), ";")
	if len(fields) < 3 || fields[0] != header {
		return nil, ErrNotVault
	}
	if (fields[1] != "1.1" && fields[1] != "1.2") || strings.TrimSpace(fields[2]) != cipherName {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, lines[0])
	}

	var body strings.Builder
	for _, l := range lines[1:] {
		body.WriteString(strings.TrimSpace(l))
	}

	inner, err := hex.DecodeString(body.String())
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}

	parts := strings.Split(string(inner), "\n")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected salt, hmac and ciphertext", ErrUnsupported)
	}

	var decoded [3][]byte
	for i, p := range parts {
		if decoded[i], err = hex.DecodeString(p); err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
	}
	salt, sum, ciphertext := decoded[0], decoded[1], decoded[2]

	cipherKey, hmacKey, iv := deriveKeys(password, salt)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil), sum) {
		return nil, ErrIntegrity
	}

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, err
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(padded, ciphertext)

	return unpad(padded, aes.BlockSize)
}

func deriveKeys(password string, salt []byte) (cipherKey, hmacKey, iv []byte) {
	key := pbkdf2.Key([]byte(password), salt, iterations, 2*keySize+aes.BlockSize, sha256.New)
	return key[:keySize], key[keySize : 2*keySize], key[2*keySize:]
}

// pad applies PKCS#7 padding.
func pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 || len(data)%size != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}
