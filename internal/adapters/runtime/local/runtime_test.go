package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	r, err := New(Options{Root: t.TempDir(), ExecTimeout: 5 * time.Second, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() {
		infos, _ := r.PS(context.Background())
		for _, info := range infos {
			_ = r.Remove(context.Background(), info.Name, true)
		}
	})
	return r
}

func TestNewRequiresRoot(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
}

func TestRunExecInWorkspace(t *testing.T) {
	t.Parallel()

	r := newRuntime(t)
	ctx := context.Background()
	_, err := r.Run(ctx, "c1", domain.ImageBuild, domain.RunOptions{
		Env:   map[string]string{"GREETING": "hello"},
		Files: map[string][]byte{"notes.txt": []byte("from overlay")},
	})
	require.NoError(t, err)

	result, err := r.Exec(ctx, "c1", `echo $GREETING; cat notes.txt; echo; basename "$PWD"; test "$HOME" = "`+filepath.Join(r.opts.Root, "c1", "home")+`"`, domain.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello\nfrom overlay\nworkspace\n", result.Stdout)
	assert.Equal(t, 0, result.ExitCode)
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	r := newRuntime(t)
	ctx := context.Background()
	first, err := r.Run(ctx, "c1", domain.ImageBuild, domain.RunOptions{})
	require.NoError(t, err)
	second, err := r.Run(ctx, "c1", domain.ImageBuild, domain.RunOptions{Env: map[string]string{"X": "1"}})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	infos, err := r.PS(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 1)

	result, err := r.Exec(ctx, "c1", "echo $X", domain.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "1\n", result.Stdout)
}

func TestRunRejectsBadNamesAndBucketVolumes(t *testing.T) {
	t.Parallel()

	r := newRuntime(t)
	_, err := r.Run(context.Background(), "../escape", domain.ImageBuild, domain.RunOptions{})
	require.Error(t, err)

	_, err = r.Run(context.Background(), "c1", domain.ImageBuild, domain.RunOptions{
		Volumes: []domain.Volume{{Source: "gs://bucket", Target: "/data"}},
	})
	require.ErrorIs(t, err, ErrBucketVolume)
	_, err = r.Inspect(context.Background(), "c1")
	require.ErrorIs(t, err, domain.ErrContainerNotFound)
}

func TestExecTimeoutKillsProcessGroup(t *testing.T) {
	t.Parallel()

	r := newRuntime(t)
	ctx := context.Background()
	_, err := r.Run(ctx, "c1", domain.ImageBuild, domain.RunOptions{})
	require.NoError(t, err)

	_, err = r.Exec(ctx, "c1", "sleep 1 && touch done", domain.ExecOptions{Timeout: 100 * time.Millisecond})
	require.ErrorIs(t, err, domain.ErrExecTimeout)

	time.Sleep(1300 * time.Millisecond)
	exists, err := r.Exists(ctx, "c1", "done")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSpawnExecStdinAndExitCode(t *testing.T) {
	t.Parallel()

	r := newRuntime(t)
	ctx := context.Background()
	_, err := r.Run(ctx, "c1", domain.ImageBuild, domain.RunOptions{})
	require.NoError(t, err)

	handle, err := r.SpawnExec(ctx, "c1", "read line; echo \"<$line>\"; exit 5", domain.ExecOptions{}, "ping")
	require.NoError(t, err)

	result, err := domain.Collect(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, "<ping>\n", result.Stdout)
	assert.Equal(t, 5, result.ExitCode)
	assert.ErrorIs(t, handle.WriteStdin("late"), domain.ErrProcessNotFound)
}

func TestWriteFileChmodExists(t *testing.T) {
	t.Parallel()

	r := newRuntime(t)
	ctx := context.Background()
	_, err := r.Run(ctx, "c1", domain.ImageBuild, domain.RunOptions{})
	require.NoError(t, err)

	require.NoError(t, r.WriteFile(ctx, "c1", "/etc/app/config", []byte("cfg"), 0o640))
	require.NoError(t, r.WriteFile(ctx, "c1", "~/.ssh/id_ed25519", []byte("key"), 0o644))
	require.NoError(t, r.WriteFile(ctx, "c1", "bin/tool", []byte("#!/bin/sh\necho tool\n"), 0o644))
	require.NoError(t, r.Chmod(ctx, "c1", "bin/tool", 0o755))

	dir := filepath.Join(r.opts.Root, "c1")
	assertMode(t, filepath.Join(dir, "rootfs", "etc", "app", "config"), 0o640)
	assertMode(t, filepath.Join(dir, "home", ".ssh", "id_ed25519"), 0o600)

	result, err := r.Exec(ctx, "c1", "./bin/tool", domain.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tool\n", result.Stdout)
	assertMode(t, filepath.Join(dir, "workspace", "bin", "tool"), 0o755)

	exists, err := r.Exists(ctx, "c1", "/etc/app/config")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = r.Exists(ctx, "c1", "/etc/app/missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRemoveKillsProcessesAndDeletesDirectory(t *testing.T) {
	t.Parallel()

	r := newRuntime(t)
	ctx := context.Background()
	_, err := r.Run(ctx, "c1", domain.ImageBuild, domain.RunOptions{})
	require.NoError(t, err)

	handle, err := r.SpawnExec(ctx, "c1", "sleep 30", domain.ExecOptions{}, "")
	require.NoError(t, err)

	require.NoError(t, r.Remove(ctx, "c1", false))
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	code, err := handle.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, 137, code)

	assert.NoDirExists(t, filepath.Join(r.opts.Root, "c1"))
	require.ErrorIs(t, r.Remove(ctx, "c1", false), domain.ErrContainerNotFound)
	require.NoError(t, r.Remove(ctx, "c1", true))
}

func TestHostPathMapping(t *testing.T) {
	t.Parallel()

	c := &container{dir: "/srv/c1"}
	tests := map[string]string{
		"":            "/srv/c1/workspace",
		"src/main.go": "/srv/c1/workspace/src/main.go",
		"../../etc":   "/srv/c1/workspace/etc",
		"~":           "/srv/c1/home",
		"~/.ssh/id":   "/srv/c1/home/.ssh/id",
		"/etc/hosts":  "/srv/c1/rootfs/etc/hosts",
		"/../../x":    "/srv/c1/rootfs/x",
	}
	for in, want := range tests {
		assert.Equal(t, want, c.hostPath(in), in)
	}
}

func assertMode(t *testing.T, path string, want os.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, want, info.Mode().Perm(), path)
}
