package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrSecretNotFound    = errors.New("secret not found")
	ErrContainerNotFound = errors.New("container not found")
	ErrUnknownImage      = errors.New("unknown image")
	ErrUnknownUser       = errors.New("unknown user")

	ErrProtocolViolation = errors.New("protocol violation")
	ErrSpawnFailure      = errors.New("spawn failure")
	ErrProcessNotFound   = errors.New("process not found")
	ErrConnectionClosed  = errors.New("control connection closed")
	ErrAuthFailure       = errors.New("authentication failed")

	ErrTimeout     = errors.New("timeout")
	ErrExecTimeout = fmt.Errorf("exec: %w", ErrTimeout)
	ErrWaitTimeout = fmt.Errorf("pool wait: %w", ErrTimeout)

	ErrPoolExhausted  = errors.New("pool exhausted")
	ErrStaleReference = errors.New("container is not tracked by the pool")
	ErrPoolShutdown   = errors.New("pool is shut down")
)
