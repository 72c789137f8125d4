// Package auth stores provider OAuth tokens encrypted with a
// machine-derived key, and implements the PKCE authorization-code
// flow used by providers that support browser sign-in.
package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"os/user"
	"path/filepath"

	"github.com/vtcode-ai/vtcode/internal/vterror"
)

const tokenBlobVersion = 1

// staticSalt folds a fixed component into the machine key so the
// derivation is not just public host metadata.
const staticSalt = "vtcode-token-store-v1"

// tokenBlob is the persisted ciphertext envelope.
type tokenBlob struct {
	NonceB64      string `json:"nonce_b64"`
	CiphertextB64 string `json:"ciphertext_b64"`
	Version       int    `json:"version"`
}

// ErrWrongMachine reports a blob that does not decrypt with this
// machine's derived key.
var ErrWrongMachine = errors.New("token was encrypted on a different machine")

// TokenStore persists encrypted tokens at a user-scoped path with
// 0600 permissions. The key is derived on demand and never persisted.
type TokenStore struct {
	path string

	// identity overrides machine-identity lookup in tests.
	identity func() (hostname, userID string, err error)
}

// NewTokenStore creates a store rooted at path (a directory).
func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

func (s *TokenStore) machineKey() ([]byte, error) {
	identity := s.identity
	if identity == nil {
		identity = func() (string, string, error) {
			hostname, err := os.Hostname()
			if err != nil {
				return "", "", err
			}
			current, err := user.Current()
			if err != nil {
				return "", "", err
			}
			return hostname, current.Uid, nil
		}
	}
	hostname, userID, err := identity()
	if err != nil {
		return nil, vterror.Wrap(vterror.KindInternal, "derive machine identity", err)
	}
	sum := sha256.Sum256([]byte(hostname + "\x00" + userID + "\x00" + staticSalt))
	return sum[:], nil
}

func (s *TokenStore) fileFor(provider string) string {
	return filepath.Join(s.path, provider+".token.json")
}

// Save encrypts and persists a token for provider.
func (s *TokenStore) Save(provider, token string) error {
	key, err := s.machineKey()
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return vterror.Wrap(vterror.KindInternal, "cipher init", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return vterror.Wrap(vterror.KindInternal, "gcm init", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return vterror.Wrap(vterror.KindInternal, "nonce", err)
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(token), nil)

	blob := tokenBlob{
		NonceB64:      base64.StdEncoding.EncodeToString(nonce),
		CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
		Version:       tokenBlobVersion,
	}
	payload, err := json.Marshal(&blob)
	if err != nil {
		return vterror.Wrap(vterror.KindInternal, "encode token blob", err)
	}

	if err := os.MkdirAll(s.path, 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.fileFor(provider), payload, 0o600)
}

// Load decrypts the stored token for provider. A blob written on a
// different machine fails cleanly with ErrWrongMachine.
func (s *TokenStore) Load(provider string) (string, error) {
	payload, err := os.ReadFile(s.fileFor(provider))
	if err != nil {
		return "", err
	}
	var blob tokenBlob
	if err := json.Unmarshal(payload, &blob); err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "decode token blob", err)
	}
	if blob.Version != tokenBlobVersion {
		return "", vterror.Newf(vterror.KindValidation, "unsupported token blob version %d", blob.Version)
	}

	nonce, err := base64.StdEncoding.DecodeString(blob.NonceB64)
	if err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "decode nonce", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.CiphertextB64)
	if err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "decode ciphertext", err)
	}

	key, err := s.machineKey()
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", vterror.Wrap(vterror.KindInternal, "cipher init", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", vterror.Wrap(vterror.KindInternal, "gcm init", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return "", vterror.New(vterror.KindValidation, "nonce length mismatch")
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrWrongMachine
	}
	return string(plaintext), nil
}

// Delete removes the stored token for provider.
func (s *TokenStore) Delete(provider string) error {
	err := os.Remove(s.fileFor(provider))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
