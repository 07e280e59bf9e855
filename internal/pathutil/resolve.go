package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveAbsolutePath turns a local path typed by the user into an absolute one.
// A leading ~ is the home directory and "" is the working directory. Symlinks are
// resolved in the longest existing prefix, so a not-yet-created destination under a
// linked directory still resolves to its real location.
func ResolveAbsolutePath(p string) (string, error) {
	if p == "" {
		return os.Getwd()
	}
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = home + p[1:]
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	existing, missing := abs, ""
	for {
		if resolved, err := filepath.EvalSymlinks(existing); err == nil {
			return filepath.Join(resolved, missing), nil
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		missing = filepath.Join(filepath.Base(existing), missing)
		existing = parent
	}
}
