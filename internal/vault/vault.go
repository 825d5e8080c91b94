package vault

import (
	"os"
	"path/filepath"
)

// Vault protects the user's Jira API token at rest and hands it to the
// API clients in memory only. EnsureUnlocked is the entry point the
// workflow commands use; Initialize and Unlock are exposed for the
// creds subcommands.
type Vault interface {
	Initialize() (string, error)
	Unlock() (string, error)
	EnsureUnlocked() (string, error)
}

// Default file names under the vault directory.
const (
	tokenFile    = "token"
	artifactFile = "token.enc"
	keyFile      = "key"
	userFile     = "user"
)

// Layout describes where the vault keeps its files. All four files live
// in a single hidden directory per installation.
type Layout struct {
	Dir string
}

// DefaultLayout returns the standard ~/.jira-user layout.
func DefaultLayout() (Layout, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Layout{}, err
	}
	return Layout{Dir: filepath.Join(home, ".jira-user")}, nil
}

// TokenPath is the plaintext token drop location. The file is deleted
// once the encrypted artifact is durably written.
func (l Layout) TokenPath() string { return filepath.Join(l.Dir, tokenFile) }

// ArtifactPath is the encrypted token artifact (nonce-prefixed AES-GCM
// ciphertext).
func (l Layout) ArtifactPath() string { return filepath.Join(l.Dir, artifactFile) }

// KeyPath is the symmetric key material, generated on first use.
func (l Layout) KeyPath() string { return filepath.Join(l.Dir, keyFile) }

// UserPath is the plaintext account identifier. It is read by the API
// clients but is not part of the encryption contract.
func (l Layout) UserPath() string { return filepath.Join(l.Dir, userFile) }
