package fjage

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common conditions.
var (
	ErrClosed          = errors.New("fjage: gateway closed")
	ErrNotConnected    = errors.New("fjage: not connected")
	ErrNoResponse      = errors.New("fjage: no response")
	ErrNoGateway       = errors.New("fjage: agent id has no gateway")
	ErrParamMismatch   = errors.New("fjage: params and values differ in length")
	ErrUnknownArrayTag = errors.New("fjage: unknown array tag")
)

// ConnectionError represents a transport-level error.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("fjage: %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("fjage: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// CodecError represents a failure to encode or decode a message.
type CodecError struct {
	Op    string
	Class string
	Err   error
}

func (e *CodecError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("fjage: %s %s: %v", e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("fjage: %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// RequestError represents a failed control round trip with the container.
type RequestError struct {
	Action Action
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("fjage: %s: %v", e.Action, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// ParamError is returned by parameter get/set in strict mode when the agent
// does not confirm the requested parameters.
type ParamError struct {
	Agent  string
	Params []string
	Perf   Performative
}

func (e *ParamError) Error() string {
	names := "all parameters"
	if len(e.Params) > 0 {
		names = strings.Join(e.Params, ", ")
	}
	if e.Perf == "" {
		return fmt.Sprintf("fjage: unable to access %s on %s: no response", names, e.Agent)
	}
	return fmt.Sprintf("fjage: unable to access %s on %s: %s", names, e.Agent, e.Perf)
}

// Unwrap reports ErrNoResponse when the agent never answered.
func (e *ParamError) Unwrap() error {
	if e.Perf == "" {
		return ErrNoResponse
	}
	return nil
}
