package policy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// The lock file pins the BLAKE3 hash of the policy file. A run started with
// --verify refuses a policy whose content no longer matches its lock, so an
// edited sandbox policy needs an explicit re-lock to take effect.

// LockManifest is the on-disk shape of <policy>.lock.
type LockManifest struct {
	Hash     string    `yaml:"hash"`
	LockedAt time.Time `yaml:"locked_at"`
}

// ErrNotLocked is returned by Verify when no lock file exists yet.
var ErrNotLocked = errors.New("policy is not locked")

// ComputeHash computes the BLAKE3 hash of a file.
func ComputeHash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// LockPath returns the lock file path for a policy file.
func LockPath(policyPath string) string {
	return policyPath + ".lock"
}

// Lock writes (or rewrites) the lock manifest for the policy file at path.
func Lock(policyPath string) (*LockManifest, error) {
	hash, err := ComputeHash(policyPath)
	if err != nil {
		return nil, fmt.Errorf("hash policy: %w", err)
	}

	m := &LockManifest{Hash: hash, LockedAt: time.Now().UTC()}
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal lock manifest: %w", err)
	}
	if err := os.WriteFile(LockPath(policyPath), data, 0o644); err != nil {
		return nil, fmt.Errorf("write lock manifest: %w", err)
	}
	return m, nil
}

// Verify checks the policy file against its lock manifest.
func Verify(policyPath string) error {
	data, err := os.ReadFile(LockPath(policyPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotLocked
		}
		return fmt.Errorf("read lock manifest: %w", err)
	}

	var m LockManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse lock manifest: %w", err)
	}

	actual, err := ComputeHash(policyPath)
	if err != nil {
		return fmt.Errorf("hash policy: %w", err)
	}
	if actual != m.Hash {
		return fmt.Errorf("policy hash mismatch: expected %s, got %s; re-run 'keel policy lock' to authorize the change", m.Hash, actual)
	}
	return nil
}
