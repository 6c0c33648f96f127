// Package encryption provides at-rest encryption for fasq's persisted,
// non-secure cache entries (IsSecure entries are never written to
// disk at all, so they never reach this package): AES-256-GCM
// authenticated encryption over a single active key, plus the
// key/salt generation the KeystoreProvider and passphrase-derived
// setups need.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// defaultPBKDF2Iterations follows the OWASP 2023 recommendation for
// PBKDF2-HMAC-SHA256.
const defaultPBKDF2Iterations = 600000

var (
	ErrInvalidKey       = errors.New("encryption: invalid key length (must be 32 bytes)")
	ErrInvalidData      = errors.New("encryption: invalid encrypted data")
	ErrDecryptionFailed = errors.New("encryption: decryption failed (authentication error)")
)

// Encryptor performs AES-256-GCM authenticated encryption with a
// single active key. fasq does not rotate keys mid-process: a key
// change means rebuilding the Store (and the Encryptor with it), not
// tracking multiple live key versions.
type Encryptor struct {
	key     []byte // 32 bytes AES-256 key; unused when disabled
	enabled bool
}

// NewEncryptor builds an Encryptor around a raw 32-byte AES-256 key.
// enabled=false makes every operation a plain base64 passthrough,
// matching EncryptionConfig.Enabled == false.
func NewEncryptor(key []byte, enabled bool) (*Encryptor, error) {
	if !enabled {
		return &Encryptor{enabled: false}, nil
	}
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	return &Encryptor{key: key, enabled: true}, nil
}

// NewEncryptorWithPassword derives a key from password via
// PBKDF2-HMAC-SHA256 and builds an Encryptor around it. salt must be
// unique per installation (see GenerateSalt); iterations defaults to
// 600,000 when <= 0.
func NewEncryptorWithPassword(password string, salt []byte, iterations int) (*Encryptor, error) {
	if iterations <= 0 {
		iterations = defaultPBKDF2Iterations
	}
	key := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	return NewEncryptor(key, true)
}

// Encrypt encrypts plaintext using AES-256-GCM. Returns base64-encoded
// nonce||ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	if !e.enabled {
		return base64.StdEncoding.EncodeToString(plaintext), nil
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts base64-encoded ciphertext produced by Encrypt.
func (e *Encryptor) Decrypt(ciphertext string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidData
	}
	if !e.enabled {
		return data, nil
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, ErrInvalidData
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptString encrypts a string and returns the base64 result.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	return e.Encrypt([]byte(plaintext))
}

// DecryptString decrypts base64 ciphertext and returns the original string.
func (e *Encryptor) DecryptString(ciphertext string) (string, error) {
	data, err := e.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// IsEnabled reports whether this Encryptor actually encrypts, as
// opposed to passing data through unmodified.
func (e *Encryptor) IsEnabled() bool {
	return e.enabled
}

// GenerateKey generates a cryptographically secure random 32-byte
// AES-256 key. The KeystoreProvider calls this the first time a Store
// needs persistence and finds no key on record.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateSalt generates a cryptographically secure random 32-byte
// salt for NewEncryptorWithPassword. Generate once per installation
// and persist it alongside the rest of the keystore's state.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Provider adapts an Encryptor to the byte-slice-in, byte-slice-out
// shape the store's persistence path needs for the non-secure entries
// it persists (secure entries are never persisted): encrypt
// a serialized payload before handing it to a PersistenceProvider,
// decrypt it on load.
type Provider struct {
	enc *Encryptor
}

// NewProvider wraps enc as a Provider. enc may be nil, in which case
// the Provider round-trips data unencrypted — used when
// EncryptionConfig.Enabled is false.
func NewProvider(enc *Encryptor) *Provider {
	return &Provider{enc: enc}
}

// Seal encrypts plaintext for persistence.
func (p *Provider) Seal(plaintext []byte) ([]byte, error) {
	if p.enc == nil || !p.enc.IsEnabled() {
		return plaintext, nil
	}
	ciphertext, err := p.enc.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encryption: seal: %w", err)
	}
	return []byte(ciphertext), nil
}

// Open decrypts data previously sealed by Seal.
func (p *Provider) Open(sealed []byte) ([]byte, error) {
	if p.enc == nil || !p.enc.IsEnabled() {
		return sealed, nil
	}
	plaintext, err := p.enc.Decrypt(string(sealed))
	if err != nil {
		return nil, fmt.Errorf("encryption: open: %w", err)
	}
	return plaintext, nil
}

// Enabled reports whether the underlying Encryptor is active.
func (p *Provider) Enabled() bool {
	return p.enc != nil && p.enc.IsEnabled()
}
