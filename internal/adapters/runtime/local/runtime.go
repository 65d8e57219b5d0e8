// Package local runs "containers" as directories on the host. Each container
// gets a workspace, a home and a rootfs directory; commands run as host
// processes in their own process group.
//
// Absolute paths used by file operations are placed under the container's
// rootfs directory, never on the host root. Commands see the host filesystem
// as is.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/JoshuaMGoldstein/buildpool/internal/adapters/runtime/mount"
	"github.com/JoshuaMGoldstein/buildpool/internal/adapters/runtime/overlay"
	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/JoshuaMGoldstein/buildpool/internal/ports"
	"github.com/JoshuaMGoldstein/buildpool/internal/wire"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultExecTimeout = 10 * time.Minute
	chunkSize          = 32 * 1024
)

// ErrBucketVolume rejects gs:// volumes, which would be mounted on the host.
var ErrBucketVolume = errors.New("bucket volumes are not supported by the local runtime")

type Options struct {
	Root        string
	ExecTimeout time.Duration
	Clock       ports.Clock
	Logger      logrus.FieldLogger
}

type Runtime struct {
	opts Options
	log  logrus.FieldLogger

	mu         sync.Mutex
	containers map[domain.ContainerName]*container
}

var _ ports.ContainerRuntime = (*Runtime)(nil)

func New(opts Options) (*Runtime, error) {
	if opts.Root == "" {
		return nil, errors.New("local runtime root is required")
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = DefaultExecTimeout
	}
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve local runtime root: %w", err)
	}
	opts.Root = root
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create local runtime root: %w", err)
	}

	return &Runtime{
		opts:       opts,
		log:        opts.Logger.WithField("component", "runtime.local"),
		containers: make(map[domain.ContainerName]*container),
	}, nil
}

func (r *Runtime) Run(_ context.Context, name domain.ContainerName, image domain.Image, opts domain.RunOptions) (domain.ContainerInfo, error) {
	if strings.ContainsAny(string(name), `/\`) || name == "" || name == "." || name == ".." {
		return domain.ContainerInfo{}, fmt.Errorf("invalid container name %q", name)
	}

	r.mu.Lock()
	if c, ok := r.containers[name]; ok {
		r.mu.Unlock()
		c.overlay.Add(opts.Env, opts.Files)
		return c.info(), nil
	}

	c := &container{
		name:      name,
		image:     image,
		createdAt: r.opts.Clock.Now(),
		dir:       filepath.Join(r.opts.Root, string(name)),
		overlay:   overlay.New(opts.Env, opts.Files),
		log:       r.log.WithFields(logrus.Fields{"container": name, "image": image}),
		procs:     make(map[string]*hostProcess),
	}
	r.containers[name] = c
	r.mu.Unlock()

	for _, dir := range []string{c.workspace(), c.home(), c.rootfs()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			r.drop(name)
			return domain.ContainerInfo{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	for _, vol := range opts.Volumes {
		if err := r.attach(c, vol); err != nil {
			if rmErr := r.Remove(context.Background(), name, true); rmErr != nil {
				c.log.WithError(rmErr).Warn("remove after failed volume setup")
			}
			return domain.ContainerInfo{}, fmt.Errorf("attach volume %s: %w", vol.Source, err)
		}
	}

	c.log.WithField("dir", c.dir).Info("local container created")
	return c.info(), nil
}

func (r *Runtime) attach(c *container, vol domain.Volume) error {
	if vol.IsBucket() {
		return ErrBucketVolume
	}

	files, err := mount.LoadDirectory(vol.Source, vol.Target)
	if err != nil {
		return err
	}
	c.overlay.Add(nil, files)
	return nil
}

func (r *Runtime) Exec(ctx context.Context, name domain.ContainerName, command string, opts domain.ExecOptions) (domain.ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.opts.ExecTimeout
	}

	handle, err := r.SpawnExec(ctx, name, command, opts, "")
	if err != nil {
		return domain.ExecResult{ExitCode: -1}, err
	}

	return domain.Await(ctx, handle, timeout)
}

func (r *Runtime) SpawnExec(ctx context.Context, name domain.ContainerName, command string, opts domain.ExecOptions, stdin string) (*domain.ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := r.get(name)
	if err != nil {
		return nil, err
	}

	env, files := c.overlay.Merge(opts.Env, opts.Files)
	modes := c.overlay.Modes()
	for p, data := range files {
		if err := c.writeFile(p, data, modes[p]); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSpawnFailure, err)
		}
	}
	if opts.User != "" {
		c.log.WithField("user", opts.User).Debug("local runtime runs every command as the host user")
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = c.hostPath(opts.Cwd)
	cmd.Env = c.environ(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", domain.ErrSpawnFailure, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", domain.ErrSpawnFailure, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", domain.ErrSpawnFailure, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSpawnFailure, err)
	}

	handle := domain.NewProcessHandle(uuid.NewString(), c)
	proc := &hostProcess{cmd: cmd, stdin: in}
	c.track(handle.ID(), proc)
	handle.MarkRunning()
	go c.stream(handle, proc, stdout, stderr)

	c.log.WithFields(logrus.Fields{"request_id": handle.ID(), "pid": cmd.Process.Pid}).Debug("process started")

	if stdin != "" {
		if err := handle.WriteStdin(stdin); err != nil {
			return handle, fmt.Errorf("write stdin: %w", err)
		}
	}

	return handle, nil
}

func (r *Runtime) Remove(_ context.Context, name domain.ContainerName, force bool) error {
	c, ok := r.drop(name)
	if !ok {
		if force {
			return nil
		}
		return fmt.Errorf("%w: %s", domain.ErrContainerNotFound, name)
	}

	c.killAll()
	if err := os.RemoveAll(c.dir); err != nil {
		c.log.WithError(err).Warn("remove container directory")
	}
	c.log.Info("local container removed")
	return nil
}

func (r *Runtime) Inspect(_ context.Context, name domain.ContainerName) (domain.ContainerInfo, error) {
	c, err := r.get(name)
	if err != nil {
		return domain.ContainerInfo{}, err
	}

	return c.info(), nil
}

func (r *Runtime) PS(_ context.Context) ([]domain.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]domain.ContainerInfo, 0, len(r.containers))
	for _, c := range r.containers {
		infos = append(infos, c.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return infos, nil
}

// WriteFile writes content straight into the container directory, then
// applies mode with a chmod exec.
func (r *Runtime) WriteFile(ctx context.Context, name domain.ContainerName, path string, content []byte, mode uint32) error {
	if wire.IsSSHPath(path) {
		mode = 0o600
	}

	c, err := r.get(name)
	if err != nil {
		return err
	}
	if err := c.writeFile(path, content, 0); err != nil {
		return err
	}
	if err := r.Chmod(ctx, name, path, mode); err != nil {
		return err
	}

	c.overlay.SetFile(path, content, os.FileMode(mode))
	return nil
}

func (r *Runtime) Chmod(ctx context.Context, name domain.ContainerName, path string, mode uint32) error {
	c, err := r.get(name)
	if err != nil {
		return err
	}

	result, err := r.Exec(ctx, name, fmt.Sprintf("chmod %o %s", mode, mount.Quote(c.hostPath(path))), domain.ExecOptions{})
	if err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("chmod %s: exited %d: %s", path, result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	c.overlay.SetMode(path, os.FileMode(mode))
	return nil
}

func (r *Runtime) Exists(_ context.Context, name domain.ContainerName, path string) (bool, error) {
	c, err := r.get(name)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(c.hostPath(path))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
}

func (r *Runtime) get(name domain.ContainerName) (*container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.containers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, name)
	}
	return c, nil
}

func (r *Runtime) drop(name domain.ContainerName) (*container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.containers[name]
	delete(r.containers, name)
	return c, ok
}

type hostProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

type container struct {
	name      domain.ContainerName
	image     domain.Image
	createdAt time.Time
	dir       string
	overlay   *overlay.Overlay
	log       logrus.FieldLogger

	mu    sync.Mutex
	procs map[string]*hostProcess
}

var _ domain.ProcessControl = (*container)(nil)

func (c *container) workspace() string { return filepath.Join(c.dir, "workspace") }
func (c *container) home() string      { return filepath.Join(c.dir, "home") }
func (c *container) rootfs() string    { return filepath.Join(c.dir, "rootfs") }

func (c *container) info() domain.ContainerInfo {
	return domain.ContainerInfo{Name: c.name, Image: c.image, State: domain.ContainerRunning, CreatedAt: c.createdAt}
}

// hostPath maps a container path onto the container directory.
func (c *container) hostPath(p string) string {
	switch {
	case p == "~":
		return c.home()
	case strings.HasPrefix(p, "~/"):
		return filepath.Join(c.home(), filepath.Clean("/"+strings.TrimPrefix(p, "~/")))
	case filepath.IsAbs(p):
		return filepath.Join(c.rootfs(), filepath.Clean(p))
	default:
		return filepath.Join(c.workspace(), filepath.Clean("/"+p))
	}
}

// writeFile writes data at p. A zero mode picks the default for the path.
func (c *container) writeFile(p string, data []byte, mode os.FileMode) error {
	target := c.hostPath(p)
	dirMode, fileMode := os.FileMode(0o755), os.FileMode(0o644)
	if wire.IsSSHPath(p) {
		dirMode, fileMode = 0o700, 0o600
	}
	if mode != 0 {
		fileMode = mode
	}

	if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
		return fmt.Errorf("create directory for %s: %w", p, err)
	}
	if err := os.WriteFile(target, data, fileMode); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}

	return os.Chmod(target, fileMode)
}

func (c *container) environ(env map[string]string) []string {
	out := make([]string, 0, len(env)+4)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "HOME=") || strings.HasPrefix(kv, "PWD=") {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, "HOME="+c.home(), "BPOOL_CONTAINER="+string(c.name))

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}

	return out
}

func (c *container) track(id string, p *hostProcess) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.procs[id] = p
}

func (c *container) untrack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.procs, id)
}

func (c *container) process(id string) (*hostProcess, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.procs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProcessNotFound, id)
	}
	return p, nil
}

func (c *container) WriteStdin(requestID string, data string) error {
	p, err := c.process(requestID)
	if err != nil {
		return err
	}

	if _, err := io.WriteString(p.stdin, data+"\n"); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

func (c *container) Kill(requestID string) error {
	p, err := c.process(requestID)
	if err != nil {
		return err
	}

	return killGroup(p.cmd)
}

func (c *container) killAll() {
	c.mu.Lock()
	procs := make([]*hostProcess, 0, len(c.procs))
	for _, p := range c.procs {
		procs = append(procs, p)
	}
	c.mu.Unlock()

	for _, p := range procs {
		if err := killGroup(p.cmd); err != nil {
			c.log.WithError(err).Warn("kill process")
		}
	}
}

func (c *container) stream(handle *domain.ProcessHandle, p *hostProcess, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump(stdout, handle.PushStdout)
	}()
	go func() {
		defer wg.Done()
		pump(stderr, handle.PushStderr)
	}()
	wg.Wait()

	err := p.cmd.Wait()
	_ = p.stdin.Close()
	c.untrack(handle.ID())

	code := exitCode(p.cmd.ProcessState)
	if code < 0 && err != nil {
		handle.Fail(fmt.Errorf("%w: %v", domain.ErrSpawnFailure, err))
		return
	}
	handle.Exit(code)
}

func pump(r io.Reader, push func(string)) {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			push(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}

	return state.ExitCode()
}
