// Package wire defines the JSON messages exchanged over a control connection.
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
)

type MessageType string

const (
	TypeExec     MessageType = "exec"
	TypeStdin    MessageType = "stdin"
	TypeKill     MessageType = "kill"
	TypeOpen     MessageType = "open"
	TypeStdout   MessageType = "stdout"
	TypeStderr   MessageType = "stderr"
	TypeStdclose MessageType = "stdclose"
	TypeError    MessageType = "error"
	TypeReady    MessageType = "ready"
)

// Message is the single envelope for every frame. Which fields are set
// depends on Type.
type Message struct {
	Type      MessageType       `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	Command   string            `json:"command,omitempty"`
	User      string            `json:"user,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Files     map[string]string `json:"files,omitempty"`
	Data      string            `json:"data,omitempty"`
	Error     string            `json:"error,omitempty"`
	Pid       int               `json:"pid,omitempty"`
}

func Exec(requestID, command string, env map[string]string, files map[string]string) Message {
	return Message{Type: TypeExec, RequestID: requestID, Command: command, Env: env, Files: files}
}

func Stdin(requestID, data string) Message {
	return Message{Type: TypeStdin, RequestID: requestID, Data: data}
}

func Kill(requestID string) Message {
	return Message{Type: TypeKill, RequestID: requestID}
}

func Open(requestID string, pid int) Message {
	return Message{Type: TypeOpen, RequestID: requestID, Pid: pid}
}

func Stdout(requestID, chunk string) Message {
	return Message{Type: TypeStdout, RequestID: requestID, Data: chunk}
}

func Stderr(requestID, chunk string) Message {
	return Message{Type: TypeStderr, RequestID: requestID, Data: chunk}
}

func Stdclose(requestID string, exitCode int) Message {
	return Message{Type: TypeStdclose, RequestID: requestID, Data: strconv.Itoa(exitCode)}
}

// Ready is the server's first frame on an accepted control connection. It
// carries the client id.
func Ready(clientID string) Message {
	return Message{Type: TypeReady, Data: clientID}
}

func Error(requestID string, err error) Message {
	return Message{Type: TypeError, RequestID: requestID, Error: err.Error()}
}

// Inbound reports whether the message travels from caller to server.
func (m Message) Inbound() bool {
	switch m.Type {
	case TypeExec, TypeStdin, TypeKill:
		return true
	default:
		return false
	}
}

// ExitCode parses the exit code carried by a stdclose message.
func (m Message) ExitCode() (int, error) {
	if m.Type != TypeStdclose {
		return 0, fmt.Errorf("%w: %s carries no exit code", domain.ErrProtocolViolation, m.Type)
	}

	code, err := strconv.Atoi(m.Data)
	if err != nil {
		return 0, fmt.Errorf("%w: exit code %q", domain.ErrProtocolViolation, m.Data)
	}

	return code, nil
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeExec:
		if m.Command == "" {
			return fmt.Errorf("%w: exec without command", domain.ErrProtocolViolation)
		}
		if m.RequestID == "" {
			return fmt.Errorf("%w: exec without requestId", domain.ErrProtocolViolation)
		}
	case TypeStdin, TypeKill, TypeOpen, TypeStdout, TypeStderr, TypeStdclose:
		if m.RequestID == "" {
			return fmt.Errorf("%w: %s without requestId", domain.ErrProtocolViolation, m.Type)
		}
	case TypeError, TypeReady:
	default:
		return fmt.Errorf("%w: unknown message type %q", domain.ErrProtocolViolation, m.Type)
	}

	return nil
}

func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: decode message: %v", domain.ErrProtocolViolation, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}

	return data, nil
}
