package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"qabridge/pkg/schema"
)

const keySize = 32 // AES-256

// FileVault encrypts the Jira API token with AES-256-GCM and persists
// the artifact and key material as files under a single directory.
type FileVault struct {
	layout Layout
	logger *slog.Logger
}

// New creates a FileVault over the given layout.
func New(layout Layout, logger *slog.Logger) *FileVault {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileVault{layout: layout, logger: logger}
}

// Layout returns the vault's file layout.
func (v *FileVault) Layout() Layout { return v.layout }

// Initialized reports whether an encrypted artifact exists.
func (v *FileVault) Initialized() bool {
	_, err := os.Stat(v.layout.ArtifactPath())
	return err == nil
}

// Initialize reads the plaintext token, encrypts it, durably writes the
// artifact and key material, and only then deletes the plaintext file.
// A crash at any earlier point leaves the plaintext recoverable.
func (v *FileVault) Initialize() (string, error) {
	plaintextPath := v.layout.TokenPath()
	data, err := os.ReadFile(plaintextPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", schema.NewErrorf(schema.ErrCodeMissingCredential,
			"no plaintext token at %s: place your Jira API token there and re-run", plaintextPath)
	}
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeMissingCredential,
			"read plaintext token: %v", err).WithCause(err)
	}

	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", schema.NewErrorf(schema.ErrCodeMissingCredential,
			"plaintext token at %s is empty", plaintextPath)
	}

	if err := os.MkdirAll(v.layout.Dir, 0o700); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "create vault dir: %v", err).WithCause(err)
	}

	key, err := v.loadOrCreateKey()
	if err != nil {
		return "", err
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "generate nonce: %v", err).WithCause(err)
	}
	artifact := aead.Seal(nonce, nonce, []byte(secret), nil)

	// Durable write first; the plaintext is the only copy until this
	// succeeds.
	if err := writeFileSync(v.layout.ArtifactPath(), artifact, 0o600); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "write encrypted artifact: %v", err).WithCause(err)
	}

	if err := os.Remove(plaintextPath); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"encrypted artifact written but plaintext removal failed: %v", err).WithCause(err)
	}

	v.logger.Info("credential vault initialized",
		slog.String("artifact", v.layout.ArtifactPath()))
	return secret, nil
}

// Unlock decrypts the stored token and returns it. The secret is held
// in memory only; it is never re-persisted or logged.
func (v *FileVault) Unlock() (string, error) {
	artifact, err := os.ReadFile(v.layout.ArtifactPath())
	if errors.Is(err, fs.ErrNotExist) {
		return "", schema.NewErrorf(schema.ErrCodeVaultNotInitialized,
			"no encrypted artifact at %s: run 'qabridge creds init' first", v.layout.ArtifactPath())
	}
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "read encrypted artifact: %v", err).WithCause(err)
	}

	key, err := os.ReadFile(v.layout.KeyPath())
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeCorruptVault,
			"key material unreadable at %s: delete the vault files and re-initialize", v.layout.KeyPath()).WithCause(err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeCorruptVault,
			"key material invalid: delete the vault files and re-initialize").WithCause(err)
	}

	nonceSize := aead.NonceSize()
	if len(artifact) < nonceSize {
		return "", schema.NewError(schema.ErrCodeCorruptVault,
			"encrypted artifact truncated: delete the vault files and re-initialize")
	}
	plaintext, err := aead.Open(nil, artifact[:nonceSize], artifact[nonceSize:], nil)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeCorruptVault,
			"decryption failed (tampered or corrupted vault): delete the vault files and re-initialize").WithCause(err)
	}
	return string(plaintext), nil
}

// EnsureUnlocked initializes the vault when a freshly placed plaintext
// token exists (first run or rotation), otherwise unlocks the stored
// artifact.
func (v *FileVault) EnsureUnlocked() (string, error) {
	if _, err := os.Stat(v.layout.TokenPath()); err == nil {
		return v.Initialize()
	}
	if v.Initialized() {
		return v.Unlock()
	}
	return "", schema.NewErrorf(schema.ErrCodeMissingCredential,
		"no credentials found: place your Jira API token at %s and re-run", v.layout.TokenPath())
}

// Rotate re-encrypts from a freshly placed plaintext token, replacing
// the stored artifact. It fails when no plaintext token is present.
func (v *FileVault) Rotate() (string, error) {
	if _, err := os.Stat(v.layout.TokenPath()); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeMissingCredential,
			"nothing to rotate: place the new token at %s first", v.layout.TokenPath())
	}
	return v.Initialize()
}

// DeleteCredentials removes the artifact and key material. Missing
// files are ignored.
func (v *FileVault) DeleteCredentials() error {
	var firstErr error
	for _, p := range []string{v.layout.ArtifactPath(), v.layout.KeyPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			if firstErr == nil {
				firstErr = schema.NewErrorf(schema.ErrCodeExecution, "delete %s: %v", p, err).WithCause(err)
			}
		}
	}
	return firstErr
}

// loadOrCreateKey reads the key file or generates and persists a fresh
// random key.
func (v *FileVault) loadOrCreateKey() ([]byte, error) {
	key, err := os.ReadFile(v.layout.KeyPath())
	if err == nil {
		if len(key) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeCorruptVault,
				"key material at %s has wrong size: delete the vault files and re-initialize", v.layout.KeyPath())
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "read key material: %v", err).WithCause(err)
	}

	key = make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "generate key material: %v", err).WithCause(err)
	}
	if err := writeFileSync(v.layout.KeyPath(), key, 0o600); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "write key material: %v", err).WithCause(err)
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// writeFileSync writes data to path through a temp file in the same
// directory, fsyncs, then renames into place. The rename is the commit
// point for the encrypt-then-delete transition.
func writeFileSync(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := f.Chmod(perm); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

var _ Vault = (*FileVault)(nil)
