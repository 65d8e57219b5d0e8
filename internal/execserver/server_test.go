package execserver

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/JoshuaMGoldstein/buildpool/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	server     *Server
	http       *httptest.Server
	workspace  string
	home       string
	terminated chan struct{}
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		workspace:  t.TempDir(),
		home:       t.TempDir(),
		terminated: make(chan struct{}, 4),
	}

	cfg := Config{
		Workspace: h.workspace,
		Users: map[string]User{
			"tester": {Name: "tester", UID: os.Getuid(), GID: os.Getgid(), Home: h.home, Path: systemPath},
			"admin":  {Name: "admin", UID: os.Getuid(), GID: os.Getgid(), Home: h.home, Path: systemPath, Privileged: true},
		},
		Terminate: func() {
			select {
			case h.terminated <- struct{}{}:
			default:
			}
		},
		Logger:    logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h.server = New(cfg)
	h.http = httptest.NewServer(h.server.Handler())
	t.Cleanup(func() {
		h.server.closeActive()
		h.http.Close()
	})

	return h
}

func (h *harness) url(clientID string, query string) string {
	u := "ws" + strings.TrimPrefix(h.http.URL, "http") + ConnectPath + "?clientid=" + clientID
	if query != "" {
		u += "&" + query
	}
	return u
}

func (h *harness) dial(t *testing.T, clientID string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(h.url(clientID, ""), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg wire.Message) {
	t.Helper()
	data, err := wire.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

type outcome struct {
	pid    int
	stdout string
	stderr string
	code   string
	err    string
}

func (o *outcome) settled() bool {
	return o.code != "" || o.err != ""
}

// collect reads frames until every listed request has a stdclose or error.
func collect(t *testing.T, conn *websocket.Conn, ids ...string) map[string]*outcome {
	t.Helper()

	results := make(map[string]*outcome, len(ids))
	for _, id := range ids {
		results[id] = &outcome{}
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		pending := false
		for _, o := range results {
			if !o.settled() {
				pending = true
			}
		}
		if !pending {
			return results
		}

		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := wire.Decode(data)
		require.NoError(t, err)

		o, ok := results[msg.RequestID]
		if !ok {
			continue
		}
		switch msg.Type {
		case wire.TypeOpen:
			o.pid = msg.Pid
		case wire.TypeStdout:
			o.stdout += msg.Data
		case wire.TypeStderr:
			o.stderr += msg.Data
		case wire.TypeStdclose:
			o.code = msg.Data
		case wire.TypeError:
			o.err = msg.Error
		}
	}
}

func waitOpen(t *testing.T, conn *websocket.Conn, id string) int {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := wire.Decode(data)
		require.NoError(t, err)
		if msg.RequestID == id && msg.Type == wire.TypeOpen {
			return msg.Pid
		}
	}
}

func TestAcceptedConnectionStartsWithReady(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "client-1")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := wire.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeReady, msg.Type)
	assert.Equal(t, "client-1", msg.Data)
}

func TestExecEchoHello(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "client-1")

	send(t, conn, wire.Exec("r1", "echo hello", nil, nil))

	got := collect(t, conn, "r1")["r1"]
	assert.Positive(t, got.pid)
	assert.Equal(t, "hello\n", got.stdout)
	assert.Empty(t, got.stderr)
	assert.Equal(t, "0", got.code)
}

func TestExecReportsStderrAndExitCode(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "client-1")

	send(t, conn, wire.Exec("r1", "echo oops >&2; exit 3", nil, nil))

	got := collect(t, conn, "r1")["r1"]
	assert.Equal(t, "oops\n", got.stderr)
	assert.Equal(t, "3", got.code)
}

func TestConcurrentExecsKeepTheirOwnOutput(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "client-1")

	send(t, conn, wire.Exec("a", "echo a1; sleep 0.2; echo a2", nil, nil))
	send(t, conn, wire.Exec("b", "echo b1; exit 4", nil, nil))

	got := collect(t, conn, "a", "b")
	assert.Equal(t, "a1\na2\n", got["a"].stdout)
	assert.Equal(t, "0", got["a"].code)
	assert.Equal(t, "b1\n", got["b"].stdout)
	assert.Equal(t, "4", got["b"].code)
}

func TestSecondConnectionIsRejectedWithoutDisturbingFirst(t *testing.T) {
	h := newHarness(t, nil)
	first := h.dial(t, "client-1")

	second, _, err := websocket.DefaultDialer.Dial(h.url("client-2", ""), nil)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = second.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)

	send(t, first, wire.Exec("r1", "echo still-here", nil, nil))
	got := collect(t, first, "r1")["r1"]
	assert.Equal(t, "still-here\n", got.stdout)
	assert.Empty(t, h.terminated)
}

func TestFilesAreMaterializedWithSSHModes(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "client-1")

	files := map[string]string{
		"~/.ssh/id_test": base64.StdEncoding.EncodeToString([]byte("private")),
		"notes/readme":   base64.StdEncoding.EncodeToString([]byte("hi")),
	}
	msg := wire.Exec("r1", "cat notes/readme", nil, files)
	msg.User = "tester"
	send(t, conn, msg)

	got := collect(t, conn, "r1")["r1"]
	require.Equal(t, "0", got.code, got.err)
	assert.Equal(t, "hi", got.stdout)

	dirInfo, err := os.Stat(filepath.Join(h.home, ".ssh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())

	keyInfo, err := os.Stat(filepath.Join(h.home, ".ssh", "id_test"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), keyInfo.Mode().Perm())

	noteInfo, err := os.Stat(filepath.Join(h.workspace, "notes", "readme"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), noteInfo.Mode().Perm())
}

func TestMultibyteOutputSurvivesChunking(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "client-1")

	euros := strings.Repeat("€", 20000)
	files := map[string]string{"euros.txt": base64.StdEncoding.EncodeToString([]byte(euros))}
	send(t, conn, wire.Exec("r1", "cat euros.txt", nil, files))

	got := collect(t, conn, "r1")["r1"]
	require.Equal(t, "0", got.code, got.err)
	assert.Len(t, got.stdout, len(euros))
	assert.True(t, got.stdout == euros, "output differs from input")
}

func TestUnknownUserIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "client-1")

	msg := wire.Exec("r1", "id", nil, nil)
	msg.User = "mallory"
	send(t, conn, msg)

	got := collect(t, conn, "r1")["r1"]
	assert.Contains(t, got.err, "unknown user")
	assert.Empty(t, got.code)
}

func TestSecretsAreStrippedForUnprivilegedUsers(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "client-1")
	env := map[string]string{"API_TOKEN": "t0k", "PLAIN_VALUE": "visible"}

	unprivileged := wire.Exec("r1", "env", env, nil)
	unprivileged.User = "tester"
	privileged := wire.Exec("r2", "env", env, nil)
	privileged.User = "admin"
	send(t, conn, unprivileged)
	send(t, conn, privileged)

	got := collect(t, conn, "r1", "r2")
	assert.Contains(t, got["r1"].stdout, "PLAIN_VALUE=visible")
	assert.NotContains(t, got["r1"].stdout, "API_TOKEN")
	assert.Contains(t, got["r1"].stdout, "HOME="+h.home)
	assert.Contains(t, got["r2"].stdout, "API_TOKEN=t0k")
}

func TestStdinReachesOwnedProcess(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "client-1")

	send(t, conn, wire.Exec("r1", "read line; echo got:$line", nil, nil))
	waitOpen(t, conn, "r1")
	send(t, conn, wire.Stdin("r1", "abc"))

	got := collect(t, conn, "r1")["r1"]
	assert.Equal(t, "got:abc\n", got.stdout)
}

func TestStdinForUnknownRequestIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "client-1")

	send(t, conn, wire.Stdin("ghost", "abc"))

	got := collect(t, conn, "ghost")["ghost"]
	assert.Contains(t, got.err, "process not found")
}

func TestKillTerminatesProcessGroup(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "client-1")

	send(t, conn, wire.Exec("r1", "sleep 30", nil, nil))
	waitOpen(t, conn, "r1")
	send(t, conn, wire.Kill("r1"))

	got := collect(t, conn, "r1")["r1"]
	assert.Equal(t, "137", got.code)
}

func TestIdleTimeoutClosesConnectionThenTerminates(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.IdleTimeout = 150 * time.Millisecond })
	conn := h.dial(t, "client-1")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, "idle timeout", closeErr.Text)

	select {
	case <-h.terminated:
	case <-time.After(5 * time.Second):
		t.Fatal("container was not terminated after idle timeout")
	}
}

func TestTrafficResetsIdleTimer(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.IdleTimeout = 300 * time.Millisecond })
	conn := h.dial(t, "client-1")

	for i := 0; i < 4; i++ {
		time.Sleep(150 * time.Millisecond)
		send(t, conn, wire.Stdin("keepalive", ""))
	}
	assert.Empty(t, h.terminated)
}

func TestClosingConnectionKillsSpawnedProcesses(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "client-1")

	send(t, conn, wire.Exec("r1", "sleep 30", nil, nil))
	pid := waitOpen(t, conn, "r1")
	require.NoError(t, conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second),
	))
	_ = conn.Close()

	select {
	case <-h.terminated:
	case <-time.After(5 * time.Second):
		t.Fatal("container was not terminated after close")
	}
	require.Eventually(t, func() bool {
		return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDroppedConnectionTerminatesContainer(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "client-1")

	send(t, conn, wire.Exec("r1", "sleep 30", nil, nil))
	pid := waitOpen(t, conn, "r1")
	require.NoError(t, conn.UnderlyingConn().Close())

	select {
	case <-h.terminated:
	case <-time.After(5 * time.Second):
		t.Fatal("container was not terminated after the link dropped")
	}
	require.Eventually(t, func() bool {
		return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
	}, 5*time.Second, 50*time.Millisecond)
	assert.Nil(t, h.server.current())
}

func TestKeepAliveOnCloseAcceptsNextConnection(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.KeepAliveOnClose = true })
	first := h.dial(t, "client-1")
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool { return h.server.current() == nil }, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, h.terminated)

	second := h.dial(t, "client-2")
	send(t, second, wire.Exec("r1", "echo again", nil, nil))
	got := collect(t, second, "r1")["r1"]
	assert.Equal(t, "again\n", got.stdout)
}

func TestBearerTokenFromHeaderOrQuery(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Token = "s3cret" })

	_, resp, err := websocket.DefaultDialer.Dial(h.url("client-1", ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(h.url("client-1", "token=wrong"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(h.url("client-1", "token=s3cret"), nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return h.server.current() == nil }, 5*time.Second, 20*time.Millisecond)

	header := http.Header{"Authorization": []string{"Bearer s3cret"}}
	conn, _, err = websocket.DefaultDialer.Dial(h.url("client-1", ""), header)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func postExec(t *testing.T, h *harness, body string, token string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, h.http.URL+ExecPath, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestHTTPExecStreamsToLiveConnection(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Token = "s3cret" })
	conn, _, err := websocket.DefaultDialer.Dial(h.url("client-1", "token=s3cret"), nil)
	require.NoError(t, err)
	defer conn.Close()

	resp, payload := postExec(t, h, `{"clientid":"client-1","requestId":"h1","command":"echo via-http"}`, "s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "open", payload["type"])
	assert.Greater(t, payload["pid"], float64(0))

	got := collect(t, conn, "h1")["h1"]
	assert.Equal(t, "via-http\n", got.stdout)
	assert.Equal(t, "0", got.code)
}

func TestHTTPExecValidation(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Token = "s3cret" })
	conn, _, err := websocket.DefaultDialer.Dial(h.url("client-1", "token=s3cret"), nil)
	require.NoError(t, err)
	defer conn.Close()

	tests := []struct {
		name   string
		body   string
		token  string
		status int
	}{
		{name: "no token", body: `{"clientid":"client-1","command":"true"}`, status: http.StatusUnauthorized},
		{name: "bad token", body: `{"clientid":"client-1","command":"true"}`, token: "nope", status: http.StatusUnauthorized},
		{name: "bad json", body: `{"clientid":`, token: "s3cret", status: http.StatusBadRequest},
		{name: "missing command", body: `{"clientid":"client-1"}`, token: "s3cret", status: http.StatusBadRequest},
		{name: "unknown client", body: `{"clientid":"other","command":"true"}`, token: "s3cret", status: http.StatusBadRequest},
		{name: "unknown user", body: `{"clientid":"client-1","command":"true","user":"mallory"}`, token: "s3cret", status: http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := postExec(t, h, tc.body, tc.token)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Token = "s3cret" })

	resp, err := http.Get(h.http.URL + HealthPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
