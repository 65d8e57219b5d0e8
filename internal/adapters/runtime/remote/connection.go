package remote

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JoshuaMGoldstein/buildpool/internal/adapters/runtime/overlay"
	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/JoshuaMGoldstein/buildpool/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout = 10 * time.Second
	closeTimeout = 2 * time.Second
)

// connection is the control connection for one container. The reader
// goroutine routes server frames to process handles by requestId.
type connection struct {
	name      domain.ContainerName
	image     domain.Image
	createdAt time.Time
	ws        *websocket.Conn
	overlay   *overlay.Overlay
	log       logrus.FieldLogger
	onClose   func(*connection)

	writeMu sync.Mutex

	mu      sync.Mutex
	handles map[string]*domain.ProcessHandle
	closed  bool
	done    chan struct{}
}

var _ domain.ProcessControl = (*connection)(nil)

func newConnection(name domain.ContainerName, image domain.Image, ws *websocket.Conn, ov *overlay.Overlay, log logrus.FieldLogger, now time.Time) *connection {
	return &connection{
		name:      name,
		image:     image,
		createdAt: now,
		ws:        ws,
		overlay:   ov,
		log:       log,
		handles:   make(map[string]*domain.ProcessHandle),
		done:      make(chan struct{}),
	}
}

func (c *connection) info() domain.ContainerInfo {
	state := domain.ContainerRunning
	if c.isClosed() {
		state = domain.ContainerExited
	}

	return domain.ContainerInfo{Name: c.name, Image: c.image, State: state, CreatedAt: c.createdAt}
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connection) register(handle *domain.ProcessHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("%w: %s", domain.ErrConnectionClosed, c.name)
	}
	c.handles[handle.ID()] = handle
	return nil
}

func (c *connection) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, id)
}

func (c *connection) lookup(id string) *domain.ProcessHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[id]
}

func (c *connection) send(msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return fmt.Errorf("%w: %s", domain.ErrConnectionClosed, c.name)
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type, c.name, err)
	}

	return nil
}

func (c *connection) WriteStdin(requestID string, data string) error {
	return c.send(wire.Stdin(requestID, data))
}

func (c *connection) Kill(requestID string) error {
	return c.send(wire.Kill(requestID))
}

func (c *connection) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			reason := err.Error()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				reason = closeErr.Text
			}
			c.terminate(reason)
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			c.log.WithError(err).Warn("ignoring malformed frame")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *connection) dispatch(msg wire.Message) {
	handle := c.lookup(msg.RequestID)
	if handle == nil {
		c.log.WithFields(logrus.Fields{
			"type":       msg.Type,
			"request_id": msg.RequestID,
			"error":      msg.Error,
		}).Debug("frame for unknown request")
		return
	}

	switch msg.Type {
	case wire.TypeOpen:
		handle.MarkRunning()
	case wire.TypeStdout:
		handle.PushStdout(msg.Data)
	case wire.TypeStderr:
		handle.PushStderr(msg.Data)
	case wire.TypeStdclose:
		c.unregister(msg.RequestID)
		code, err := msg.ExitCode()
		if err != nil {
			handle.Fail(err)
			return
		}
		handle.Exit(code)
	case wire.TypeError:
		c.unregister(msg.RequestID)
		handle.Fail(remoteError(msg.Error))
	default:
		c.log.WithField("type", msg.Type).Warn("unexpected frame from server")
	}
}

// terminate fails every pending process and detaches the connection.
func (c *connection) terminate(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.handles
	c.handles = map[string]*domain.ProcessHandle{}
	c.mu.Unlock()

	for _, handle := range pending {
		handle.Fail(fmt.Errorf("%w: %s", domain.ErrConnectionClosed, reason))
	}
	close(c.done)
	_ = c.ws.Close()

	c.log.WithFields(logrus.Fields{"reason": reason, "pending": len(pending)}).Info("control connection closed")
	if c.onClose != nil {
		c.onClose(c)
	}
}

// close sends a normal close frame and tears the connection down without
// waiting for the server to acknowledge.
func (c *connection) close() {
	if c.isClosed() {
		return
	}

	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "removed"),
		time.Now().Add(closeTimeout),
	)
	c.writeMu.Unlock()

	c.terminate("removed")
}

var knownRemoteErrors = []error{
	domain.ErrSpawnFailure,
	domain.ErrProcessNotFound,
	domain.ErrProtocolViolation,
}

// remoteError maps a server error string back onto the shared sentinels.
func remoteError(message string) error {
	for _, sentinel := range knownRemoteErrors {
		if strings.HasPrefix(message, sentinel.Error()) {
			detail := strings.TrimPrefix(strings.TrimPrefix(message, sentinel.Error()), ":")
			return fmt.Errorf("%w:%s", sentinel, detail)
		}
	}

	return fmt.Errorf("remote: %s", message)
}
