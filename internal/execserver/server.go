// Package execserver runs inside a build container. It accepts one control
// connection at a time, runs commands for it and streams their output back.
package execserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/JoshuaMGoldstein/buildpool/internal/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	ConnectPath = "/connect"
	ExecPath    = "/exec"
	HealthPath  = "/healthz"

	shutdownTimeout = 5 * time.Second
)

type Config struct {
	Token        string
	IdleTimeout  time.Duration
	Workspace    string
	Users        map[string]User
	SensitiveEnv []string

	// KeepAliveOnClose keeps the server running after a client close or a
	// dropped link. By default any end of the control connection terminates
	// the container. Idle timeouts always terminate.
	KeepAliveOnClose bool
	Terminate        func()
	Logger           logrus.FieldLogger
}

type Server struct {
	cfg      Config
	log      logrus.FieldLogger
	echo     *echo.Echo
	upgrader websocket.Upgrader
	users    userTable
	env      envFilter
	procs    *processTable

	mu     sync.Mutex
	active *session
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Terminate == nil {
		cfg.Terminate = TerminateContainer
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "/workspace"
	}

	s := &Server{
		cfg:   cfg,
		log:   cfg.Logger.WithField("component", "execserver"),
		users: newUserTable(cfg.Users),
		env:   newEnvFilter(cfg.SensitiveEnv),
		procs: newProcessTable(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET(HealthPath, s.handleHealth)

	authed := e.Group("", BearerAuth(cfg.Token))
	authed.GET(ConnectPath, s.handleConnect)
	authed.POST(ExecPath, s.handleExec)
	s.echo = e

	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithFields(logrus.Fields{
		"addr":         addr,
		"workspace":    s.cfg.Workspace,
		"idle_timeout": s.cfg.IdleTimeout,
		"users":        s.users.names(),
		"auth":         s.cfg.Token != "",
	}).Info("execution server listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.closeActive()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": s.current() != nil,
		"processes": s.procs.len(),
	})
}

func (s *Server) handleConnect(c echo.Context) error {
	clientID := c.QueryParam("clientid")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "clientid is required")
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return nil
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		s.log.WithField("client_id", clientID).Warn("rejecting second control connection")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "control connection already active"),
			time.Now().Add(closeTimeout),
		)
		_ = conn.Close()
		return nil
	}
	sess := newSession(s, conn, clientID)
	s.active = sess
	s.mu.Unlock()

	sess.log.Info("control connection opened")
	sess.run()
	return nil
}

type execRequest struct {
	ClientID  string            `json:"clientid"`
	RequestID string            `json:"requestId"`
	Command   string            `json:"command"`
	User      string            `json:"user"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env"`
	Files     map[string]string `json:"files"`
}

// handleExec starts a process over HTTP. Its output is streamed to the live
// control connection belonging to the same client.
func (s *Server) handleExec(c echo.Context) error {
	var req execRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ClientID == "" || req.Command == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "clientid and command are required")
	}

	sess := s.current()
	if sess == nil || sess.clientID != req.ClientID {
		return echo.NewHTTPError(http.StatusBadRequest, "no live control connection for client")
	}
	sess.touch()

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	pid, err := s.spawn(sess, spawnRequest{
		RequestID: req.RequestID,
		Command:   req.Command,
		User:      req.User,
		Cwd:       req.Cwd,
		Env:       req.Env,
		Files:     req.Files,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusOK, wire.Open(req.RequestID, pid))
}

type spawnRequest struct {
	RequestID string
	Command   string
	User      string
	Cwd       string
	Env       map[string]string
	Files     map[string]string
}

func (s *Server) spawn(owner *session, req spawnRequest) (int, error) {
	u, err := s.users.resolve(req.User)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(s.cfg.Workspace, dirMode); err != nil {
		return 0, fmt.Errorf("%w: create workspace: %v", domain.ErrSpawnFailure, err)
	}
	chown := os.Geteuid() == 0 && u.UID != os.Geteuid()
	if err := materialize(req.Files, u, s.cfg.Workspace, chown); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrSpawnFailure, err)
	}

	cmd := exec.Command("/bin/sh", "-c", req.Command)
	cmd.Dir = resolveDir(req.Cwd, u, s.cfg.Workspace)
	cmd.Env = s.env.build(u, os.Environ(), req.Env)
	cmd.SysProcAttr = sysProcAttr(u)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, fmt.Errorf("%w: stdin pipe: %v", domain.ErrSpawnFailure, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("%w: stdout pipe: %v", domain.ErrSpawnFailure, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("%w: stderr pipe: %v", domain.ErrSpawnFailure, err)
	}

	p := &process{id: req.RequestID, owner: owner, cmd: cmd, stdin: stdin}
	if err := s.procs.add(p); err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		s.procs.remove(p.id)
		return 0, fmt.Errorf("%w: %v", domain.ErrSpawnFailure, err)
	}

	select {
	case <-owner.done:
		_ = p.kill()
	default:
	}

	pid := cmd.Process.Pid
	owner.log.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"pid":        pid,
		"user":       u.Name,
	}).Debug("process started")

	owner.emit(wire.Open(req.RequestID, pid))
	go s.stream(p, stdout, stderr)

	return pid, nil
}

func (s *Server) stream(p *process, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pipeChunks(stdout, func(chunk string) { p.owner.emit(wire.Stdout(p.id, chunk)) })
	}()
	go func() {
		defer wg.Done()
		pipeChunks(stderr, func(chunk string) { p.owner.emit(wire.Stderr(p.id, chunk)) })
	}()
	wg.Wait()

	_ = p.cmd.Wait()
	code := exitCode(p.cmd.ProcessState)
	s.procs.remove(p.id)

	p.owner.log.WithFields(logrus.Fields{"request_id": p.id, "exit_code": code}).Debug("process exited")
	p.owner.emit(wire.Stdclose(p.id, code))
}

func (s *Server) current() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) closeActive() {
	if sess := s.current(); sess != nil {
		sess.shutdown(websocket.CloseGoingAway, reasonShutdown, false)
	}
}

// endSession kills everything the session spawned before the container is
// allowed to exit.
func (s *Server) endSession(sess *session, reason string, terminate bool) {
	procs := s.procs.ownedBy(sess)
	for _, p := range procs {
		if err := p.kill(); err != nil {
			sess.log.WithError(err).WithField("request_id", p.id).Warn("kill process")
		}
	}

	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.mu.Unlock()

	sess.log.WithFields(logrus.Fields{
		"reason":    reason,
		"killed":    len(procs),
		"terminate": terminate,
	}).Info("control connection closed")

	if terminate {
		s.cfg.Terminate()
	}
}

// TerminateContainer exits the server process. The server runs as the
// container entrypoint, so this stops the container and lets the platform
// recycle it.
func TerminateContainer() {
	os.Exit(0)
}
