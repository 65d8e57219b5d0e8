// Package overlay holds the per-container env and file maps that are layered
// onto every exec.
package overlay

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/JoshuaMGoldstein/buildpool/internal/adapters/runtime/mount"
)

const defaultFileMode os.FileMode = 0o644

type Overlay struct {
	mu    sync.RWMutex
	env   map[string]string
	files map[string][]byte
	modes map[string]os.FileMode
}

func New(env map[string]string, files map[string][]byte) *Overlay {
	o := &Overlay{
		env:   make(map[string]string, len(env)),
		files: make(map[string][]byte, len(files)),
		modes: make(map[string]os.FileMode),
	}
	o.Add(env, files)
	return o
}

func (o *Overlay) Add(env map[string]string, files map[string][]byte) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for k, v := range env {
		o.env[k] = v
	}
	for p, data := range files {
		o.files[p] = data
	}
}

func (o *Overlay) SetFile(path string, data []byte, mode os.FileMode) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.files[path] = data
	o.setModeLocked(path, mode)
}

func (o *Overlay) SetMode(path string, mode os.FileMode) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.files[path]; ok {
		o.setModeLocked(path, mode)
	}
}

func (o *Overlay) setModeLocked(path string, mode os.FileMode) {
	if mode == 0 || mode == defaultFileMode {
		delete(o.modes, path)
		return
	}
	o.modes[path] = mode
}

// Merge returns the overlay combined with call-specific values. Call values
// win on key collisions.
func (o *Overlay) Merge(env map[string]string, files map[string][]byte) (map[string]string, map[string][]byte) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	mergedEnv := make(map[string]string, len(o.env)+len(env))
	for k, v := range o.env {
		mergedEnv[k] = v
	}
	for k, v := range env {
		mergedEnv[k] = v
	}

	mergedFiles := make(map[string][]byte, len(o.files)+len(files))
	for p, data := range o.files {
		mergedFiles[p] = data
	}
	for p, data := range files {
		mergedFiles[p] = data
	}

	return mergedEnv, mergedFiles
}

// Prelude restores non-default modes on overlay files, which are rewritten
// with default permissions each time they are re-sent.
func (o *Overlay) Prelude() string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if len(o.modes) == 0 {
		return ""
	}

	paths := make([]string, 0, len(o.modes))
	for p := range o.modes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	parts := make([]string, 0, len(paths))
	for _, p := range paths {
		parts = append(parts, fmt.Sprintf("chmod %o %s 2>/dev/null", o.modes[p], mount.QuotePath(p)))
	}

	return strings.Join(parts, "; ") + "; "
}

// Modes returns the non-default file modes recorded by SetFile and SetMode.
func (o *Overlay) Modes() map[string]os.FileMode {
	o.mu.RLock()
	defer o.mu.RUnlock()

	modes := make(map[string]os.FileMode, len(o.modes))
	for p, m := range o.modes {
		modes[p] = m
	}
	return modes
}

func (o *Overlay) Files() map[string][]byte {
	_, files := o.Merge(nil, nil)
	return files
}

func (o *Overlay) Has(path string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.files[path]
	return ok
}
