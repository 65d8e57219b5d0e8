package execserver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/JoshuaMGoldstein/buildpool/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	closeTimeout = 2 * time.Second

	reasonIdleTimeout = "idle timeout"
	reasonClosed      = "connection closed"
	reasonShutdown    = "server shutting down"
)

// session is the one live control connection. Reads happen on the goroutine
// calling run; all data frames are written by writePump.
type session struct {
	server   *Server
	conn     *websocket.Conn
	clientID string
	log      logrus.FieldLogger

	send chan wire.Message
	done chan struct{}

	closeOnce sync.Once
	idleMu    sync.Mutex
	idle      *time.Timer
}

func newSession(server *Server, conn *websocket.Conn, clientID string) *session {
	return &session{
		server:   server,
		conn:     conn,
		clientID: clientID,
		log:      server.log.WithField("client_id", clientID),
		send:     make(chan wire.Message, sendBuffer),
		done:     make(chan struct{}),
	}
}

func (s *session) run() {
	go s.writePump()
	s.emit(wire.Ready(s.clientID))
	s.armIdle()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Warn("control connection read failed")
			}
			s.shutdown(websocket.CloseNormalClosure, reasonClosed, !s.server.cfg.KeepAliveOnClose)
			return
		}

		s.touch()

		msg, err := wire.Decode(data)
		if err != nil {
			s.log.WithError(err).Debug("rejecting malformed message")
			s.emit(wire.Error("", err))
			continue
		}

		s.handle(msg)
	}
}

func (s *session) handle(msg wire.Message) {
	log := s.log.WithFields(logrus.Fields{"type": msg.Type, "request_id": msg.RequestID})
	log.Debug("inbound message")

	switch msg.Type {
	case wire.TypeExec:
		_, err := s.server.spawn(s, spawnRequest{
			RequestID: msg.RequestID,
			Command:   msg.Command,
			User:      msg.User,
			Cwd:       msg.Cwd,
			Env:       msg.Env,
			Files:     msg.Files,
		})
		if err != nil {
			log.WithError(err).Info("exec rejected")
			s.emit(wire.Error(msg.RequestID, err))
		}
	case wire.TypeStdin:
		p, err := s.server.procs.owned(msg.RequestID, s)
		if err == nil {
			err = p.writeStdin(msg.Data)
		}
		if err != nil {
			s.emit(wire.Error(msg.RequestID, err))
		}
	case wire.TypeKill:
		p, err := s.server.procs.owned(msg.RequestID, s)
		if err == nil {
			err = p.kill()
		}
		if err != nil {
			s.emit(wire.Error(msg.RequestID, err))
		}
	default:
		s.emit(wire.Error(msg.RequestID, fmt.Errorf("%w: %s is not accepted by the server", domain.ErrProtocolViolation, msg.Type)))
	}
}

// emit queues msg for the write pump. It reports false once the session is gone.
func (s *session) emit(msg wire.Message) bool {
	select {
	case s.send <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) writePump() {
	for {
		select {
		case msg := <-s.send:
			data, err := wire.Encode(msg)
			if err != nil {
				s.log.WithError(err).Error("dropping unencodable message")
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.WithError(err).Warn("control connection write failed")
				s.shutdown(websocket.CloseInternalServerErr, reasonClosed, !s.server.cfg.KeepAliveOnClose)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) armIdle() {
	timeout := s.server.cfg.IdleTimeout
	if timeout <= 0 {
		return
	}

	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	s.idle = time.AfterFunc(timeout, s.onIdle)
}

func (s *session) touch() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idle != nil {
		s.idle.Reset(s.server.cfg.IdleTimeout)
	}
}

func (s *session) stopIdle() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idle != nil {
		s.idle.Stop()
	}
}

// onIdle closes the connection and then takes the container down with it.
func (s *session) onIdle() {
	s.log.WithField("idle_timeout", s.server.cfg.IdleTimeout).Info("control connection idle, terminating container")
	s.shutdown(websocket.CloseNormalClosure, reasonIdleTimeout, true)
}

func (s *session) shutdown(code int, reason string, terminate bool) {
	s.closeOnce.Do(func() {
		s.stopIdle()

		err := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(closeTimeout),
		)
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.log.WithError(err).Debug("close frame not delivered")
		}
		close(s.done)
		_ = s.conn.Close()

		s.server.endSession(s, reason, terminate)
	})
}
