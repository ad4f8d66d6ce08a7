package conduit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/coder/acp-go-sdk"
)

// Kind classifies an Error.
type Kind int

const (
	KindOther Kind = iota
	// KindConnection: not connected, or the connection is gone.
	KindConnection
	// KindSession: the session id is unknown to the agent.
	KindSession
	// KindTransport: reading from or writing to the agent failed.
	KindTransport
	// KindProtocol: the agent rejected a request or sent something malformed.
	KindProtocol
	// KindTimeout: a request exceeded its deadline.
	KindTimeout
	// KindPermissionDenied: the agent refused for lack of authorization.
	KindPermissionDenied
	// KindCancelled: the caller cancelled.
	KindCancelled
)

var kindNames = map[Kind]string{
	KindOther:            "other",
	KindConnection:       "connection",
	KindSession:          "session",
	KindTransport:        "transport",
	KindProtocol:         "protocol",
	KindTimeout:          "timeout",
	KindPermissionDenied: "permission denied",
	KindCancelled:        "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionClosed = errors.New("connection closed")
	ErrSessionNotFound  = errors.New("session not found")
	ErrPromptInFlight   = errors.New("a prompt is already in flight")
	ErrTimeout          = errors.New("request timed out")
	ErrPermissionDenied = errors.New("permission denied")
	ErrCancelled        = errors.New("cancelled")
)

// Error is returned by every Client operation.
type Error struct {
	Kind      Kind
	Op        string
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.SessionID != "" {
		fmt.Fprintf(&b, " [session %s]", e.SessionID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel errors by kind, so errors.Is(err, ErrTimeout)
// holds for every timeout whatever its cause.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrCancelled:
		return e.Kind == KindCancelled
	case ErrPermissionDenied:
		return e.Kind == KindPermissionDenied
	case ErrSessionNotFound:
		return e.Kind == KindSession
	}
	return false
}

// KindOf returns the kind of err, or KindOther when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

func newError(kind Kind, op, sessionID string, err error) *Error {
	return &Error{Kind: kind, Op: op, SessionID: sessionID, Err: err}
}

// JSON-RPC codes the agent uses for conditions callers care about.
const (
	codeAuthRequired    = -32000
	codeSessionNotFound = -32002
)

// classify maps an error from the peer to an *Error. Errors that already
// are an *Error keep their kind.
func classify(op, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	var reqErr *acp.RequestError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrNotConnected):
		return newError(KindConnection, op, sessionID, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return newError(KindTimeout, op, sessionID, err)
	case errors.Is(err, context.Canceled):
		return newError(KindCancelled, op, sessionID, err)
	case errors.As(err, &reqErr):
		switch {
		case reqErr.Code == codeSessionNotFound || strings.Contains(strings.ToLower(reqErr.Message), "session not found"):
			return newError(KindSession, op, sessionID, fmt.Errorf("%w: %w", ErrSessionNotFound, err))
		case reqErr.Code == codeAuthRequired:
			return newError(KindPermissionDenied, op, sessionID, err)
		}
		return newError(KindProtocol, op, sessionID, err)
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return newError(KindProtocol, op, sessionID, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe), errors.Is(err, os.ErrClosed):
		return newError(KindTransport, op, sessionID, err)
	case strings.Contains(strings.ToLower(err.Error()), "session not found"):
		return newError(KindSession, op, sessionID, fmt.Errorf("%w: %w", ErrSessionNotFound, err))
	}
	return newError(KindProtocol, op, sessionID, err)
}

func closedError(op string) error {
	return newError(KindConnection, op, "", ErrConnectionClosed)
}
