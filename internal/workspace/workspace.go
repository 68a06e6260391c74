package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindRoot walks up the directory tree from start and returns the first
// directory containing a .git directory. Both git and p4 commands run
// relative to this root so the two tools operate on the same tree.
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}

	for {
		info, err := os.Stat(filepath.Join(dir, ".git"))
		if err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no git workspace found in %s or any parent directory", start)
		}
		dir = parent
	}
}
