package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"sshupdater/internal/engine"
	"sshupdater/internal/inventory"
	"sshupdater/internal/vault"
)

const vaultPasswordEnv = "SSHUP_VAULT_PASSWORD"

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage the password keystore",
}

var vaultInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the keystore that protects stored SSH passwords",
	Long: `Create a new keystore in the vault directory.

The master password is never stored; it derives the key that encrypts
host passwords in the inventory. Losing it means re-entering every
stored password.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if vault.Exists(cfg.Vault.Dir) {
			return fmt.Errorf("keystore already exists in %s", cfg.Vault.Dir)
		}

		password, err := promptPassword("New master password: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("Repeat master password: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return fmt.Errorf("passwords do not match")
		}
		if password == "" {
			return fmt.Errorf("master password must not be empty")
		}

		if _, err := vault.Init(cfg.Vault.Dir, password); err != nil {
			return err
		}
		log.Info("Keystore created", "dir", cfg.Vault.Dir)
		return nil
	},
}

func init() {
	vaultCmd.AddCommand(vaultInitCmd)
	rootCmd.AddCommand(vaultCmd)
}

// unlockVaultIfNeeded opens the keystore when any selected host
// authenticates with a password. Returns nil when no host needs it.
func unlockVaultIfNeeded(records []inventory.HostRecord) (*vault.Vault, error) {
	needed := false
	for _, rec := range records {
		if rec.AuthMethod == engine.AuthPassword {
			needed = true
			break
		}
	}
	if !needed {
		return nil, nil
	}
	return unlockVault()
}

// unlockVault opens the keystore using SSHUP_VAULT_PASSWORD when set,
// falling back to an interactive prompt.
func unlockVault() (*vault.Vault, error) {
	if !vault.Exists(cfg.Vault.Dir) {
		return nil, fmt.Errorf("no keystore found; run 'sshup vault init' first")
	}

	password := os.Getenv(vaultPasswordEnv)
	if password == "" {
		var err error
		password, err = promptPassword("Vault master password: ")
		if err != nil {
			return nil, err
		}
	}
	return vault.Open(cfg.Vault.Dir, password)
}

// promptPassword reads a password without echo when stdin is a terminal.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(raw), nil
	}

	// Non-interactive stdin (tests, pipes): read one line.
	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return line, nil
}
