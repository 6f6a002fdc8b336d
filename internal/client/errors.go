package client

import (
	"errors"
	"fmt"
)

var (
	// ErrConnect matches every *ConnectError.
	ErrConnect = errors.New("connect failed")

	// ErrAuthentication is returned when the server rejects the login.
	ErrAuthentication = errors.New("authentication failed")

	// ErrServer is returned when the server answers a request with
	// wired.error or an unexpected message.
	ErrServer = errors.New("server error")

	// ErrNotConnected is returned by sends on a session that is not connected.
	ErrNotConnected = errors.New("session not connected")
)

// Step names one stage of the connect sequence.
type Step string

const (
	StepHandshake  Step = "handshake"
	StepClientInfo Step = "client info"
	StepLogin      Step = "login"
	StepNick       Step = "nick"
	StepStatus     Step = "status"
	StepIcon       Step = "icon"
)

// ConnectError reports the step at which a connect attempt failed.
type ConnectError struct {
	Step Step
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect failed at %s: %v", e.Step, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnect }
