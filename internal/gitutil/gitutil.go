// Package gitutil wraps the git subprocess invocations shared by the pack
// backend, the virtualization proxy and the repo create coordinator.
package gitutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a repository path escapes the store root.
var ErrOutsideRoot = errors.New("path not contained within root")

// ComposePath resolves a client-supplied repository path against the store
// root, stripping leading slashes so absolute paths resolve within the
// root, and rejects anything that escapes it.
func ComposePath(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(absRoot, strings.TrimLeft(path, "/"))
	if full != absRoot && !strings.HasPrefix(full, absRoot+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return full, nil
}

// InitBare creates a bare repository at path. Creating over an existing
// repository is a no-op.
func InitBare(path string) error {
	if IsRepository(path) {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	cmd := exec.Command("git", "init", "--bare", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git init --bare: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// IsRepository reports whether path looks like an initialized bare repo.
func IsRepository(path string) bool {
	_, err := os.Stat(filepath.Join(path, "HEAD"))
	return err == nil
}

// SetSymbolicRef points the named symbolic ref at target.
func SetSymbolicRef(repoPath, name, target string) error {
	cmd := exec.Command("git", "-C", repoPath, "symbolic-ref", name, target)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git symbolic-ref: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ObjectStats returns the loose object and pack counts for a repository,
// reported to the authorization service after a push.
func ObjectStats(repoPath string) (looseObjects, packs int) {
	objDir := filepath.Join(repoPath, "objects")
	entries, err := os.ReadDir(objDir)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if !e.IsDir() || len(e.Name()) != 2 {
			continue
		}
		loose, err := os.ReadDir(filepath.Join(objDir, e.Name()))
		if err == nil {
			looseObjects += len(loose)
		}
	}
	packFiles, err := filepath.Glob(filepath.Join(objDir, "pack", "*.pack"))
	if err == nil {
		packs = len(packFiles)
	}
	return looseObjects, packs
}

// hookNames are the server-side hooks the suite installs.
var hookNames = []string{"pre-receive", "update", "post-receive"}

// EnsureHooks points a repository's push hooks at the turnip-hook binary.
// Installation is atomic per hook (symlink into place via rename), so
// concurrent invocations against the same repository are safe.
func EnsureHooks(repoPath, hookBin string) error {
	hookDir := filepath.Join(repoPath, "hooks")
	if err := os.MkdirAll(hookDir, 0o755); err != nil {
		return err
	}
	for _, name := range hookNames {
		tmp := filepath.Join(hookDir, fmt.Sprintf(".tmp-%s", name))
		os.Remove(tmp)
		if err := os.Symlink(hookBin, tmp); err != nil {
			return err
		}
		if err := os.Rename(tmp, filepath.Join(hookDir, name)); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	return nil
}
