// Package remote drives containers that run the execution server, over one
// websocket control connection per container.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/JoshuaMGoldstein/buildpool/internal/adapters/runtime/mount"
	"github.com/JoshuaMGoldstein/buildpool/internal/adapters/runtime/overlay"
	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/JoshuaMGoldstein/buildpool/internal/ports"
	"github.com/JoshuaMGoldstein/buildpool/internal/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	DefaultExecTimeout = 10 * time.Minute
	connectPath        = "/connect"
	handshakeTimeout   = 15 * time.Second
)

type Options struct {
	Endpoints   domain.ImageTable
	Token       string
	ExecTimeout time.Duration
	Dialer      *websocket.Dialer
	Mounts      *mount.Resolver
	Clock       ports.Clock
	Logger      logrus.FieldLogger
}

type Runtime struct {
	opts Options
	log  logrus.FieldLogger

	mu    sync.Mutex
	conns map[domain.ContainerName]*connection
}

var _ ports.ContainerRuntime = (*Runtime)(nil)

func New(opts Options) *Runtime {
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = DefaultExecTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Runtime{
		opts:  opts,
		log:   opts.Logger.WithField("component", "runtime.remote"),
		conns: make(map[domain.ContainerName]*connection),
	}
}

func (r *Runtime) Run(ctx context.Context, name domain.ContainerName, image domain.Image, opts domain.RunOptions) (domain.ContainerInfo, error) {
	if conn := r.lookup(name); conn != nil {
		conn.overlay.Add(opts.Env, opts.Files)
		return conn.info(), nil
	}

	endpoint, err := r.opts.Endpoints.Resolve(image)
	if err != nil {
		return domain.ContainerInfo{}, err
	}
	target, err := connectURL(endpoint, name)
	if err != nil {
		return domain.ContainerInfo{}, err
	}

	header := http.Header{}
	if r.opts.Token != "" {
		header.Set("Authorization", "Bearer "+r.opts.Token)
	}

	ws, resp, err := r.opts.Dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return domain.ContainerInfo{}, fmt.Errorf("%w: %s", domain.ErrAuthFailure, name)
		}
		return domain.ContainerInfo{}, fmt.Errorf("connect %s: %w", name, err)
	}
	if err := awaitReady(ctx, ws, name); err != nil {
		_ = ws.Close()
		return domain.ContainerInfo{}, err
	}

	log := r.log.WithFields(logrus.Fields{"container": name, "image": image})
	conn := newConnection(name, image, ws, overlay.New(opts.Env, opts.Files), log, r.opts.Clock.Now())
	conn.onClose = r.forget

	r.mu.Lock()
	if existing, ok := r.conns[name]; ok {
		r.mu.Unlock()
		_ = ws.Close()
		existing.overlay.Add(opts.Env, opts.Files)
		return existing.info(), nil
	}
	r.conns[name] = conn
	r.mu.Unlock()

	go conn.readLoop()
	log.Info("control connection opened")

	if err := r.attachVolumes(ctx, conn, opts.Volumes); err != nil {
		if rmErr := r.Remove(context.Background(), name, true); rmErr != nil {
			log.WithError(rmErr).Warn("remove after failed volume setup")
		}
		return domain.ContainerInfo{}, err
	}

	return conn.info(), nil
}

// awaitReady blocks until the server accepts the connection as its control
// connection, or turns it away. A server already serving another client
// closes with a policy violation.
func awaitReady(ctx context.Context, ws *websocket.Conn, name domain.ContainerName) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = ws.SetReadDeadline(time.Now()) })
	defer stop()

	_, data, err := ws.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("connect %s: %w", name, ctxErr)
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
			return fmt.Errorf("%w: %s rejected: %s", domain.ErrProtocolViolation, name, closeErr.Text)
		}
		return fmt.Errorf("connect %s: %w", name, err)
	}

	msg, err := wire.Decode(data)
	if err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}
	if msg.Type != wire.TypeReady {
		return fmt.Errorf("%w: %s sent %s before ready", domain.ErrProtocolViolation, name, msg.Type)
	}

	return ws.SetReadDeadline(time.Time{})
}

func (r *Runtime) attachVolumes(ctx context.Context, conn *connection, volumes []domain.Volume) error {
	for _, vol := range volumes {
		if vol.IsBucket() {
			if err := r.opts.Mounts.Mount(ctx, r, conn.name, vol); err != nil {
				return fmt.Errorf("attach volume %s: %w", vol.Source, err)
			}
			continue
		}

		files, err := mount.LoadDirectory(vol.Source, vol.Target)
		if err != nil {
			return fmt.Errorf("attach volume %s: %w", vol.Source, err)
		}
		conn.overlay.Add(nil, files)
		conn.log.WithFields(logrus.Fields{"source": vol.Source, "files": len(files)}).Debug("directory volume loaded")
	}

	return nil
}

// Exec runs command to completion. A non-zero exit code is reported in the
// result, not as an error.
func (r *Runtime) Exec(ctx context.Context, name domain.ContainerName, command string, opts domain.ExecOptions) (domain.ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.opts.ExecTimeout
	}

	handle, err := r.SpawnExec(ctx, name, command, opts, "")
	if err != nil {
		return domain.ExecResult{ExitCode: -1}, err
	}

	result, err := domain.Await(ctx, handle, timeout)
	if errors.Is(err, domain.ErrExecTimeout) {
		r.log.WithFields(logrus.Fields{"container": name, "request_id": handle.ID()}).Warn("exec timed out")
	}

	return result, err
}

func (r *Runtime) SpawnExec(ctx context.Context, name domain.ContainerName, command string, opts domain.ExecOptions, stdin string) (*domain.ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := r.live(name)
	if err != nil {
		return nil, err
	}

	env, files := conn.overlay.Merge(opts.Env, opts.Files)
	handle := domain.NewProcessHandle(uuid.NewString(), conn)
	if err := conn.register(handle); err != nil {
		return nil, err
	}

	msg := wire.Exec(handle.ID(), conn.overlay.Prelude()+command, env, wire.EncodeFiles(files))
	msg.User = opts.User
	msg.Cwd = opts.Cwd
	if err := conn.send(msg); err != nil {
		conn.unregister(handle.ID())
		handle.Fail(err)
		return nil, err
	}

	conn.log.WithFields(logrus.Fields{"request_id": handle.ID(), "user": opts.User}).Debug("exec sent")

	if stdin != "" {
		if err := handle.WriteStdin(stdin); err != nil {
			return handle, fmt.Errorf("write stdin: %w", err)
		}
	}

	return handle, nil
}

func (r *Runtime) Remove(_ context.Context, name domain.ContainerName, force bool) error {
	r.mu.Lock()
	conn, ok := r.conns[name]
	delete(r.conns, name)
	r.mu.Unlock()

	if !ok {
		if force {
			return nil
		}
		return fmt.Errorf("%w: %s", domain.ErrContainerNotFound, name)
	}

	conn.close()
	return nil
}

func (r *Runtime) Inspect(_ context.Context, name domain.ContainerName) (domain.ContainerInfo, error) {
	conn := r.lookup(name)
	if conn == nil {
		return domain.ContainerInfo{}, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, name)
	}

	return conn.info(), nil
}

func (r *Runtime) PS(_ context.Context) ([]domain.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]domain.ContainerInfo, 0, len(r.conns))
	for _, conn := range r.conns {
		infos = append(infos, conn.info())
	}

	return infos, nil
}

func (r *Runtime) WriteFile(ctx context.Context, name domain.ContainerName, path string, content []byte, mode uint32) error {
	if wire.IsSSHPath(path) {
		mode = 0o600
	}

	conn, err := r.live(name)
	if err != nil {
		return err
	}

	command := fmt.Sprintf("chmod %o %s", mode, mount.QuotePath(path))
	result, err := r.Exec(ctx, name, command, domain.ExecOptions{Files: map[string][]byte{path: content}})
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("write %s: chmod exited %d: %s", path, result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	conn.overlay.SetFile(path, content, os.FileMode(mode))
	return nil
}

func (r *Runtime) Chmod(ctx context.Context, name domain.ContainerName, path string, mode uint32) error {
	conn, err := r.live(name)
	if err != nil {
		return err
	}

	result, err := r.Exec(ctx, name, fmt.Sprintf("chmod %o %s", mode, mount.QuotePath(path)), domain.ExecOptions{})
	if err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("chmod %s: exited %d: %s", path, result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	conn.overlay.SetMode(path, os.FileMode(mode))
	return nil
}

func (r *Runtime) Exists(ctx context.Context, name domain.ContainerName, path string) (bool, error) {
	result, err := r.Exec(ctx, name, "test -e "+mount.QuotePath(path), domain.ExecOptions{})
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}

	switch result.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: test exited %d: %s", path, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
}

func (r *Runtime) lookup(name domain.ContainerName) *connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[name]
}

func (r *Runtime) live(name domain.ContainerName) (*connection, error) {
	conn := r.lookup(name)
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, name)
	}
	if conn.isClosed() {
		return nil, fmt.Errorf("%w: %s", domain.ErrConnectionClosed, name)
	}

	return conn, nil
}

// forget drops a connection the far end closed.
func (r *Runtime) forget(conn *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[conn.name] == conn {
		delete(r.conns, conn.name)
	}
}

// connectURL points endpoint at the connect path and tags it with the
// container name as client id. http(s) endpoints are rewritten to ws(s).
func connectURL(endpoint string, name domain.ContainerName) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = connectPath
	}

	q := u.Query()
	q.Set("clientid", string(name))
	u.RawQuery = q.Encode()

	return u.String(), nil
}
