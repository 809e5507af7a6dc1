// Package failure classifies errors raised by the command channel, the video
// transports and the authentication layer so callers can branch on the kind
// of failure with errors.Is.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the failure class.
type Kind int

const (
	// KindTransport covers network-level failures: timeout, abort, empty response.
	KindTransport Kind = iota + 1
	// KindProtocol covers malformed response bodies.
	KindProtocol
	// KindServer is a well-formed response carrying an error result.
	KindServer
	// KindAuthExhaustion means the challenge pool is empty or halted.
	KindAuthExhaustion
	// KindCrypto covers key exchange and decryption failures.
	KindCrypto
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindServer:
		return "server"
	case KindAuthExhaustion:
		return "auth-exhaustion"
	case KindCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrTransport      = errors.New("transport failure")
	ErrProtocol       = errors.New("protocol failure")
	ErrServer         = errors.New("server error")
	ErrAuthExhaustion = errors.New("authentication challenges exhausted")
	ErrCrypto         = errors.New("crypto failure")
)

var sentinels = map[Kind]error{
	KindTransport:      ErrTransport,
	KindProtocol:       ErrProtocol,
	KindServer:         ErrServer,
	KindAuthExhaustion: ErrAuthExhaustion,
	KindCrypto:         ErrCrypto,
}

// Error is a classified failure. Op names the operation that failed (a
// command name or a transport URL), Code carries the server error code for
// KindServer.
type Error struct {
	Kind Kind
	Op   string
	Code string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != "" {
		msg += " (code " + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// Transport wraps err as a transport failure of op.
func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// Protocol wraps err as a protocol failure of op.
func Protocol(op string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// Server returns a server error for op with the given error code.
func Server(op, code string) error {
	return &Error{Kind: KindServer, Op: op, Code: code}
}

// Crypto wraps err as a crypto failure of op.
func Crypto(op string, err error) error {
	return &Error{Kind: KindCrypto, Op: op, Err: err}
}

// AuthExhaustion returns an exhaustion failure for op.
func AuthExhaustion(op string) error {
	return &Error{Kind: KindAuthExhaustion, Op: op}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// Errorf is a shorthand for a classified error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}
