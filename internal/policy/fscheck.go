package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// validateWorkdirRoot ensures a declared working-directory root is on a local
// filesystem. Children run with their cwd under these roots and the drain
// engine assumes local-disk latency; a network mount would turn every sweep
// into a remote round trip.
func validateWorkdirRoot(root string) error {
	return validateWorkdirRootWithDetector(root, detectFilesystemType)
}

func validateWorkdirRootWithDetector(root string, detector func(string) (string, error)) error {
	if root == "" {
		return fmt.Errorf("workdir root is empty")
	}

	inspectPath, err := nearestExistingPath(root)
	if err != nil {
		return fmt.Errorf("resolve workdir root %q: %w", root, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		// Platforms without a probe accept the root as-is.
		return nil
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf("workdir root %q is on network filesystem %q; sandboxed children require local-disk working directories", root, fsType)
	}

	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}
