// Package docker runs containers on a local Docker daemon. Each container is
// a long-lived "sleep infinity" and every command is a docker exec.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JoshuaMGoldstein/buildpool/internal/adapters/runtime/mount"
	"github.com/JoshuaMGoldstein/buildpool/internal/adapters/runtime/overlay"
	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/JoshuaMGoldstein/buildpool/internal/ports"
	"github.com/JoshuaMGoldstein/buildpool/internal/wire"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultExecTimeout = 10 * time.Minute
	DefaultWorkdir     = "/workspace"

	labelManaged = "buildpool.managed"
	labelImage   = "buildpool.image"
	commandEnv   = "BPOOL_CMD"
)

type Options struct {
	Images      domain.ImageTable
	ExecTimeout time.Duration
	Mounts      *mount.Resolver
	Logger      logrus.FieldLogger
}

type Runtime struct {
	client *client.Client
	opts   Options
	log    logrus.FieldLogger

	mu       sync.Mutex
	overlays map[domain.ContainerName]*overlay.Overlay
	procs    map[string]*execProcess
}

var _ ports.ContainerRuntime = (*Runtime)(nil)

// NewClient connects to the daemon configured by the DOCKER_* environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

func New(cli *client.Client, opts Options) *Runtime {
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = DefaultExecTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Runtime{
		client:   cli,
		opts:     opts,
		log:      opts.Logger.WithField("component", "runtime.docker"),
		overlays: make(map[domain.ContainerName]*overlay.Overlay),
		procs:    make(map[string]*execProcess),
	}
}

func (r *Runtime) Run(ctx context.Context, name domain.ContainerName, img domain.Image, opts domain.RunOptions) (domain.ContainerInfo, error) {
	log := r.log.WithFields(logrus.Fields{"container": name, "image": img})

	info, err := r.Inspect(ctx, name)
	switch {
	case err == nil && info.Running():
		r.adopt(name, opts)
		if err := r.writeFiles(ctx, name, "", opts.Files); err != nil {
			return domain.ContainerInfo{}, err
		}
		return info, nil
	case err == nil:
		log.Info("replacing stopped container")
		if err := r.client.ContainerRemove(ctx, string(name), container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			return domain.ContainerInfo{}, fmt.Errorf("remove stopped %s: %w", name, err)
		}
	case !errors.Is(err, domain.ErrContainerNotFound):
		return domain.ContainerInfo{}, err
	}

	ref, err := r.opts.Images.Resolve(img)
	if err != nil {
		return domain.ContainerInfo{}, err
	}
	hostConfig, buckets, err := hostConfigFor(opts.Volumes)
	if err != nil {
		return domain.ContainerInfo{}, err
	}
	config := &container.Config{
		Image:      ref,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: DefaultWorkdir,
		Labels:     labels(img),
	}

	resp, err := r.client.ContainerCreate(ctx, config, hostConfig, nil, nil, string(name))
	if client.IsErrNotFound(err) {
		if pullErr := r.pull(ctx, ref); pullErr != nil {
			return domain.ContainerInfo{}, pullErr
		}
		resp, err = r.client.ContainerCreate(ctx, config, hostConfig, nil, nil, string(name))
	}
	if err != nil {
		return domain.ContainerInfo{}, fmt.Errorf("create container %s: %w", name, err)
	}
	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return domain.ContainerInfo{}, fmt.Errorf("start container %s: %w", name, err)
	}
	log.WithField("id", shortID(resp.ID)).Info("docker container started")

	r.adopt(name, opts)
	if err := r.setup(ctx, name, opts, buckets); err != nil {
		if rmErr := r.Remove(context.Background(), name, true); rmErr != nil {
			log.WithError(rmErr).Warn("remove after failed setup")
		}
		return domain.ContainerInfo{}, err
	}

	return r.Inspect(ctx, name)
}

func (r *Runtime) setup(ctx context.Context, name domain.ContainerName, opts domain.RunOptions, buckets []domain.Volume) error {
	if err := r.writeFiles(ctx, name, "", opts.Files); err != nil {
		return err
	}
	for _, vol := range buckets {
		if err := r.opts.Mounts.Mount(ctx, r, name, vol); err != nil {
			return fmt.Errorf("attach volume %s: %w", vol.Source, err)
		}
	}
	return nil
}

func (r *Runtime) pull(ctx context.Context, ref string) error {
	r.log.WithField("ref", ref).Info("pulling image")

	rc, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

// adopt records the env overlay. Files live in the container filesystem, so
// the overlay only keeps them for bookkeeping.
func (r *Runtime) adopt(name domain.ContainerName, opts domain.RunOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o, ok := r.overlays[name]; ok {
		o.Add(opts.Env, opts.Files)
		return
	}
	r.overlays[name] = overlay.New(opts.Env, opts.Files)
}

func (r *Runtime) overlayFor(name domain.ContainerName) *overlay.Overlay {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.overlays[name]
	if !ok {
		o = overlay.New(nil, nil)
		r.overlays[name] = o
	}
	return o
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
	if err := r.writeFiles(ctx, name, opts.User, opts.Files); err != nil {
		return nil, err
	}

	env, _ := r.overlayFor(name).Merge(opts.Env, nil)
	requestID := uuid.NewString()
	env[commandEnv] = command

	proc, err := r.attach(ctx, name, container.ExecOptions{
		User:         opts.User,
		WorkingDir:   opts.Cwd,
		Env:          envList(env),
		Cmd:          []string{"/bin/sh", "-c", wrapCommand(requestID)},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, err
	}

	handle := domain.NewProcessHandle(requestID, &execControl{runtime: r, name: name})
	proc.handle = handle
	r.track(requestID, proc)
	handle.MarkRunning()
	go r.stream(proc)

	if stdin != "" {
		if err := handle.WriteStdin(stdin); err != nil {
			return handle, fmt.Errorf("write stdin: %w", err)
		}
	}

	return handle, nil
}

type execProcess struct {
	execID string
	conn   net.Conn
	reader io.Reader
	close  func()
	handle *domain.ProcessHandle
	user   string
}

func (r *Runtime) attach(ctx context.Context, name domain.ContainerName, cfg container.ExecOptions) (*execProcess, error) {
	created, err := r.client.ContainerExecCreate(ctx, string(name), cfg)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, name)
		}
		return nil, fmt.Errorf("%w: exec create: %v", domain.ErrSpawnFailure, err)
	}

	// The attachment outlives the caller's context for streaming processes.
	hijacked, err := r.client.ContainerExecAttach(context.Background(), created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: exec attach: %v", domain.ErrSpawnFailure, err)
	}

	return &execProcess{
		execID: created.ID,
		conn:   hijacked.Conn,
		reader: hijacked.Reader,
		close:  hijacked.Close,
		user:   cfg.User,
	}, nil
}

func (r *Runtime) stream(p *execProcess) {
	defer p.close()

	_, copyErr := stdcopy.StdCopy(chunkWriter(p.handle.PushStdout), chunkWriter(p.handle.PushStderr), p.reader)
	r.untrack(p.handle.ID())

	inspect, err := r.client.ContainerExecInspect(context.Background(), p.execID)
	if err != nil {
		p.handle.Fail(fmt.Errorf("%w: inspect exec: %v", domain.ErrConnectionClosed, err))
		return
	}
	if inspect.Running {
		p.handle.Fail(fmt.Errorf("%w: output stream ended: %v", domain.ErrConnectionClosed, copyErr))
		return
	}
	p.handle.Exit(inspect.ExitCode)
}

// run executes a short command and collects its output.
func (r *Runtime) run(ctx context.Context, name domain.ContainerName, user, command, stdin string) (domain.ExecResult, error) {
	handle, err := r.SpawnExec(ctx, name, command, domain.ExecOptions{User: user}, "")
	if err != nil {
		return domain.ExecResult{ExitCode: -1}, err
	}
	if stdin != "" {
		p, ok := r.process(handle.ID())
		if ok {
			if _, err := io.WriteString(p.conn, stdin); err != nil {
				_ = handle.Kill()
				return domain.ExecResult{ExitCode: -1}, fmt.Errorf("write stdin: %w", err)
			}
			closeWrite(p.conn)
		}
	}

	return domain.Await(ctx, handle, r.opts.ExecTimeout)
}

func (r *Runtime) writeFiles(ctx context.Context, name domain.ContainerName, user string, files map[string][]byte) error {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := r.writeFile(ctx, name, user, p, files[p], 0); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) writeFile(ctx context.Context, name domain.ContainerName, user, p string, content []byte, mode uint32) error {
	result, err := r.run(ctx, name, user, writeCommand(p, mode), string(content))
	if err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("write %s: exited %d: %s", p, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

func (r *Runtime) Remove(ctx context.Context, name domain.ContainerName, force bool) error {
	r.mu.Lock()
	delete(r.overlays, name)
	r.mu.Unlock()

	err := r.client.ContainerRemove(ctx, string(name), container.RemoveOptions{Force: true})
	if client.IsErrNotFound(err) {
		if force {
			return nil
		}
		return fmt.Errorf("%w: %s", domain.ErrContainerNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("remove container %s: %w", name, err)
	}

	r.log.WithField("container", name).Info("docker container removed")
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, name domain.ContainerName) (domain.ContainerInfo, error) {
	resp, err := r.client.ContainerInspect(ctx, string(name))
	if client.IsErrNotFound(err) {
		return domain.ContainerInfo{}, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, name)
	}
	if err != nil {
		return domain.ContainerInfo{}, fmt.Errorf("inspect container %s: %w", name, err)
	}

	var (
		running bool
		imgName domain.Image
		created time.Time
	)
	if resp.ContainerJSONBase != nil {
		if resp.State != nil {
			running = resp.State.Running
		}
		created, _ = time.Parse(time.RFC3339Nano, resp.Created)
	}
	if resp.Config != nil {
		imgName = domain.Image(resp.Config.Labels[labelImage])
	}

	return containerInfo(name, imgName, running, created), nil
}

func (r *Runtime) PS(ctx context.Context) ([]domain.ContainerInfo, error) {
	list, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	infos := make([]domain.ContainerInfo, 0, len(list))
	for _, c := range list {
		if len(c.Names) == 0 {
			continue
		}
		name := domain.ContainerName(strings.TrimPrefix(c.Names[0], "/"))
		infos = append(infos, containerInfo(name, domain.Image(c.Labels[labelImage]), c.State == "running", time.Unix(c.Created, 0)))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return infos, nil
}

func (r *Runtime) WriteFile(ctx context.Context, name domain.ContainerName, p string, content []byte, mode uint32) error {
	if wire.IsSSHPath(p) {
		mode = 0o600
	}
	if err := r.writeFile(ctx, name, "", p, content, mode); err != nil {
		return err
	}

	r.overlayFor(name).SetFile(p, content, os.FileMode(mode))
	return nil
}

func (r *Runtime) Chmod(ctx context.Context, name domain.ContainerName, p string, mode uint32) error {
	result, err := r.run(ctx, name, "", fmt.Sprintf("chmod %o %s", mode, mount.QuotePath(p)), "")
	if err != nil {
		return fmt.Errorf("chmod %s: %w", p, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("chmod %s: exited %d: %s", p, result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	r.overlayFor(name).SetMode(p, os.FileMode(mode))
	return nil
}

func (r *Runtime) Exists(ctx context.Context, name domain.ContainerName, p string) (bool, error) {
	result, err := r.run(ctx, name, "", "test -e "+mount.QuotePath(p), "")
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", p, err)
	}

	switch result.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: test exited %d: %s", p, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
}

func (r *Runtime) track(id string, p *execProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[id] = p
}

func (r *Runtime) untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, id)
}

func (r *Runtime) process(id string) (*execProcess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[id]
	return p, ok
}

// execControl routes stdin and kill requests to docker execs.
type execControl struct {
	runtime *Runtime
	name    domain.ContainerName
}

func (c *execControl) WriteStdin(requestID string, data string) error {
	p, ok := c.runtime.process(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrProcessNotFound, requestID)
	}
	if _, err := io.WriteString(p.conn, data+"\n"); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

func (c *execControl) Kill(requestID string) error {
	p, ok := c.runtime.process(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrProcessNotFound, requestID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	created, err := c.runtime.client.ContainerExecCreate(ctx, string(c.name), container.ExecOptions{
		User: p.user,
		Cmd:  []string{"/bin/sh", "-c", killCommand(requestID)},
	})
	if err != nil {
		return fmt.Errorf("kill %s: %w", requestID, err)
	}
	if err := c.runtime.client.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("kill %s: %w", requestID, err)
	}
	return nil
}

type chunkWriter func(string)

func (w chunkWriter) Write(p []byte) (int, error) {
	w(string(p))
	return len(p), nil
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

func labels(img domain.Image) map[string]string {
	return map[string]string{
		labelManaged: "true",
		labelImage:   string(img),
	}
}

func containerInfo(name domain.ContainerName, img domain.Image, running bool, created time.Time) domain.ContainerInfo {
	state := domain.ContainerExited
	if running {
		state = domain.ContainerRunning
	}
	return domain.ContainerInfo{Name: name, Image: img, State: state, CreatedAt: created}
}

// hostConfigFor binds directory volumes and returns the bucket volumes, which
// need FUSE inside the container.
func hostConfigFor(volumes []domain.Volume) (*container.HostConfig, []domain.Volume, error) {
	hc := &container.HostConfig{}
	var buckets []domain.Volume

	for _, vol := range volumes {
		if vol.IsBucket() {
			buckets = append(buckets, vol)
			continue
		}
		source, err := filepath.Abs(vol.Source)
		if err != nil {
			return nil, nil, fmt.Errorf("volume %s: %w", vol.Source, err)
		}
		target := vol.Target
		if !path.IsAbs(target) {
			target = path.Join(DefaultWorkdir, target)
		}
		hc.Binds = append(hc.Binds, source+":"+target)
	}

	if len(buckets) > 0 {
		hc.CapAdd = []string{"SYS_ADMIN"}
		hc.Devices = []container.DeviceMapping{{
			PathOnHost:        "/dev/fuse",
			PathInContainer:   "/dev/fuse",
			CgroupPermissions: "rwm",
		}}
	}

	return hc, buckets, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func pidFile(requestID string) string {
	return "/tmp/.bpool-" + requestID + ".pid"
}

// wrapCommand records the shell's pid so the exec can be killed later, then
// replaces itself with the real command taken from the environment.
func wrapCommand(requestID string) string {
	return fmt.Sprintf(`echo $$ > %s; exec /bin/sh -c "$%s"`, pidFile(requestID), commandEnv)
}

func killCommand(requestID string) string {
	pf := pidFile(requestID)
	return fmt.Sprintf(`pid=$(cat %s 2>/dev/null) || exit 0; kill -9 -- -"$pid" 2>/dev/null || kill -9 "$pid"; rm -f %s`, pf, pf)
}

// writeCommand reads stdin into p. A zero mode keeps the default for the path.
func writeCommand(p string, mode uint32) string {
	ssh := wire.IsSSHPath(p)
	if mode == 0 {
		mode = 0o644
		if ssh {
			mode = 0o600
		}
	}

	qp := mount.QuotePath(p)
	dir := `"$(dirname ` + qp + `)"`
	parts := []string{"mkdir -p " + dir}
	if ssh {
		parts = append(parts, "chmod 700 "+dir)
	}
	parts = append(parts, "cat > "+qp, fmt.Sprintf("chmod %o %s", mode, qp))

	return strings.Join(parts, " && ")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
