// Package vault implements the master-password keystore used to protect
// stored SSH passwords. A random salt and an encrypted verifier token live
// next to each other in the vault directory; the master password is never
// written anywhere.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrWrongPassword is returned when the supplied master password does
	// not match the keystore verifier.
	ErrWrongPassword = errors.New("vault: wrong master password")

	// ErrNotInitialized is returned when the keystore files do not exist yet.
	ErrNotInitialized = errors.New("vault: keystore not initialized")

	// ErrInvalidCiphertext is returned for truncated or corrupted tokens.
	ErrInvalidCiphertext = errors.New("vault: invalid ciphertext")
)

const (
	saltFile     = "vault.salt"
	verifierFile = "vault.verify"

	saltSize   = 16
	keySize    = 32
	iterations = 200_000
)

// challenge is the plaintext sealed into the verifier file. Decrypting it
// successfully proves the derived key is correct.
var challenge = []byte("ssh-updater-keystore-v1")

// Vault holds the key derived from the master password. A zero Vault is
// locked; obtain an unlocked one through Init or Open.
type Vault struct {
	aead cipher.AEAD
}

// Exists reports whether a keystore is present in dir.
func Exists(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, saltFile)); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, verifierFile))
	return err == nil
}

// Init creates a new keystore in dir using the given master password. It
// fails if a keystore already exists.
func Init(dir, password string) (*Vault, error) {
	if Exists(dir) {
		return nil, fmt.Errorf("vault: keystore already exists in %s", dir)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("vault: create directory: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("vault: generate salt: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, saltFile), salt, 0o600); err != nil {
		return nil, fmt.Errorf("vault: write salt: %w", err)
	}

	aead, err := newAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	v := &Vault{aead: aead}

	token, err := v.seal(challenge)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, verifierFile), token, 0o600); err != nil {
		return nil, fmt.Errorf("vault: write verifier: %w", err)
	}
	return v, nil
}

// Open unlocks an existing keystore in dir. The password is checked against
// the verifier token; a mismatch returns ErrWrongPassword.
func Open(dir, password string) (*Vault, error) {
	salt, err := os.ReadFile(filepath.Join(dir, saltFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("vault: read salt: %w", err)
	}
	token, err := os.ReadFile(filepath.Join(dir, verifierFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("vault: read verifier: %w", err)
	}

	aead, err := newAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	v := &Vault{aead: aead}

	plain, err := v.open(token)
	if err != nil {
		return nil, ErrWrongPassword
	}
	if string(plain) != string(challenge) {
		return nil, ErrWrongPassword
	}
	return v, nil
}

// Encrypt seals a secret into a token suitable for storage.
func (v *Vault) Encrypt(secret string) ([]byte, error) {
	return v.seal([]byte(secret))
}

// Decrypt opens a token previously produced by Encrypt.
func (v *Vault) Decrypt(token []byte) (string, error) {
	plain, err := v.open(token)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func newAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	return aead, nil
}

// seal prepends the random nonce to the ciphertext.
func (v *Vault) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plain, nil), nil
}

func (v *Vault) open(token []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(token) < ns {
		return nil, ErrInvalidCiphertext
	}
	plain, err := v.aead.Open(nil, token[:ns], token[ns:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plain, nil
}
