package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"sshupdater/internal/engine"
	"sshupdater/internal/vault"
)

// Credentials resolves per-host secrets for the engine. Passwords come from
// the store's vault tokens and are decrypted on demand; key material is read
// from disk.
type Credentials struct {
	store Store
	vault *vault.Vault // nil when the keystore is locked
}

var _ engine.CredentialSource = (*Credentials)(nil)

// NewCredentials builds a credential source. v may be nil; password lookups
// then fail until the vault is unlocked.
func NewCredentials(store Store, v *vault.Vault) *Credentials {
	return &Credentials{store: store, vault: v}
}

// Password resolves the plaintext password for the host the ref points at.
func (c *Credentials) Password(ctx context.Context, ref string) (string, error) {
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid credential reference %q", ref)
	}
	token, err := c.store.HostPassword(ctx, id)
	if err != nil {
		return "", err
	}
	if len(token) == 0 {
		return "", fmt.Errorf("no password stored for host %d", id)
	}
	if c.vault == nil {
		return "", fmt.Errorf("vault is locked")
	}
	return c.vault.Decrypt(token)
}

// PrivateKey loads the key file at keyPath. A leading ~ expands to the
// current user's home directory.
func (c *Credentials) PrivateKey(_ context.Context, keyPath string) ([]byte, error) {
	path := keyPath
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return key, nil
}
