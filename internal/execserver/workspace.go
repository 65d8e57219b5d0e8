package execserver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JoshuaMGoldstein/buildpool/internal/wire"
)

const (
	dirMode     os.FileMode = 0o755
	fileMode    os.FileMode = 0o644
	sshDirMode  os.FileMode = 0o700
	sshFileMode os.FileMode = 0o600
)

const homePathPrefix = "~/"

// resolvePath maps a requested file path onto the filesystem: ~/ paths land
// in the user's home, relative paths in the workspace, absolute paths as-is.
func resolvePath(p string, u User, workspace string) string {
	switch {
	case strings.HasPrefix(p, homePathPrefix):
		return filepath.Join(u.Home, strings.TrimPrefix(p, homePathPrefix))
	case p == "~":
		return u.Home
	case filepath.IsAbs(p):
		return filepath.Clean(p)
	default:
		return filepath.Join(workspace, p)
	}
}

func resolveDir(cwd string, u User, workspace string) string {
	if cwd == "" {
		return workspace
	}

	return resolvePath(cwd, u, workspace)
}

// materialize writes the decoded files for one exec request. With chown set,
// files and the directories created for them are handed to the user, but only
// inside the user's home or the workspace. Anything else stays with the server.
func materialize(files map[string]string, u User, workspace string, chown bool) error {
	decoded, err := wire.DecodeFiles(files)
	if err != nil {
		return err
	}

	for requested, data := range decoded {
		target := resolvePath(requested, u, workspace)
		created := missingDirs(filepath.Dir(target))
		if err := writeFile(target, data, wire.IsSSHPath(requested) || wire.IsSSHPath(target)); err != nil {
			return fmt.Errorf("materialize %s: %w", requested, err)
		}
		if !chown || !userOwned(target, u, workspace) {
			continue
		}

		for _, dir := range created {
			if !userOwned(dir, u, workspace) {
				continue
			}
			if err := os.Lchown(dir, u.UID, u.GID); err != nil {
				return fmt.Errorf("chown %s: %w", dir, err)
			}
		}
		if err := os.Lchown(target, u.UID, u.GID); err != nil {
			return fmt.Errorf("chown %s: %w", requested, err)
		}
	}

	return nil
}

// userOwned reports whether p lies inside the user's home or the workspace.
func userOwned(p string, u User, workspace string) bool {
	return within(p, u.Home) || within(p, workspace)
}

func within(p, root string) bool {
	if root == "" || root == "/" {
		return false
	}

	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

// missingDirs lists dir and those of its ancestors that do not exist yet,
// outermost first.
func missingDirs(dir string) []string {
	var missing []string
	for d := filepath.Clean(dir); ; {
		if _, err := os.Lstat(d); err == nil {
			break
		}
		missing = append([]string{d}, missing...)
		parent := filepath.Dir(d)
		if parent == d {
			break
		}
		d = parent
	}

	return missing
}

func writeFile(target string, data []byte, ssh bool) error {
	dmode, fmode := dirMode, fileMode
	if ssh {
		dmode, fmode = sshDirMode, sshFileMode
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, dmode); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if ssh {
		if err := os.Chmod(dir, sshDirMode); err != nil {
			return fmt.Errorf("chmod directory: %w", err)
		}
	}

	if err := os.WriteFile(target, data, fmode); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return os.Chmod(target, fmode)
}
