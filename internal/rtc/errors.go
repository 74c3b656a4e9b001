package rtc

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrUnexpectedSignal = errors.New("unexpected signal type")
	ErrChannelClosed    = errors.New("channel closed")
	ErrTransportClosed  = errors.New("transport closed")
)

// OpError records the operation and peer a WebRTC failure belongs to.
type OpError struct {
	Op      string
	Peer    string
	Err     error
	Details string
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.Peer != "" {
		msg = fmt.Sprintf("%s %s", e.Op, e.Peer)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", msg, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func NewError(op, peer string, err error) *OpError {
	return &OpError{Op: op, Peer: peer, Err: err}
}

func WrapError(op, peer string, err error, details string) *OpError {
	return &OpError{Op: op, Peer: peer, Err: err, Details: details}
}
