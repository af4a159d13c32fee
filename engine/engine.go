// Package engine defines the batch HTTP engine contract: a component that
// drives many concurrent HTTP transfers while externalising socket readiness
// and timer scheduling through callbacks, in the manner of a multi-handle
// transfer engine. The client's I/O driver bridges these callbacks onto its
// reactor; httpmulti provides the built-in implementation.
package engine

import "time"

// SocketAction is an engine's request for how a socket should be watched.
type SocketAction int

const (
	// None requests no readiness watching.
	None SocketAction = iota
	// In requests read-readiness watching.
	In
	// Out requests write-readiness watching.
	Out
	// InOut requests watching in both directions.
	InOut
	// Remove requests that the socket's registration be dropped.
	Remove
)

func (a SocketAction) String() string {
	switch a {
	case None:
		return "none"
	case In:
		return "in"
	case Out:
		return "out"
	case InOut:
		return "inout"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// Events reports which directions of a socket became ready.
type Events int

const (
	// Readable reports read readiness.
	Readable Events = 1 << 0
	// Writable reports write readiness.
	Writable Events = 1 << 1
)

type (
	// SocketFunc receives the engine's socket-action requests.
	SocketFunc func(fd int, action SocketAction)

	// TimerFunc receives the engine's timeout-reschedule requests: wake the
	// engine (via Engine.Timeout) in ms milliseconds. Zero means
	// immediately; negative means no wakeup is wanted.
	TimerFunc func(ms int64)
)

// Transfer is one in-flight HTTP exchange, configured by the caller before
// Attach. Engines read the option fields and invoke the sinks from whatever
// goroutine runs their notification entry points.
type Transfer struct {
	URL    string
	Method string
	Body   []byte

	// ForbidReuse disallows connection reuse for this transfer.
	ForbidReuse bool
	// FollowRedirects enables redirect following, preserving the method
	// (POST included) across the hop.
	FollowRedirects bool
	// CertFile optionally names a client certificate.
	CertFile string
	// DisableKeepAlive turns off TCP keepalive on the transfer's
	// connection.
	DisableKeepAlive bool

	ConnectTimeout time.Duration
	Timeout        time.Duration

	// WriteFunc receives body bytes as they arrive.
	WriteFunc func(data []byte)
	// HeaderFunc receives one header line per call, status line excluded.
	HeaderFunc func(line string)
	// StatusFunc receives the HTTP status code once the response head has
	// been read.
	StatusFunc func(code int)

	// Private is an opaque pointer carried through to completion.
	Private any
}

// Completion is one drained completion message.
type Completion struct {
	Transfer *Transfer
	// Code is the engine's status code for the transfer; zero means the
	// exchange completed at the transport level.
	Code int64
	// Err describes the transport failure when Code is non-zero.
	Err error
}

// Engine drives a batch of transfers. All entry points are invoked from a
// single goroutine.
type Engine interface {
	// SetSocketFunc installs the socket-action callback. The engine may
	// invoke it from within Attach, SocketAction, and Timeout.
	SetSocketFunc(fn SocketFunc)
	// SetTimerFunc installs the timeout-reschedule callback.
	SetTimerFunc(fn TimerFunc)
	// Attach registers a new transfer and starts driving it.
	Attach(t *Transfer) error
	// SocketAction notifies the engine that fd became ready for the given
	// directions, returning the number of still-running transfers.
	SocketAction(fd int, events Events) (running int, err error)
	// Timeout notifies the engine that the rescheduled timeout fired,
	// returning the number of still-running transfers.
	Timeout() (running int, err error)
	// NextCompletion drains one completion message, if any.
	NextCompletion() (Completion, bool)
	// Detach releases a completed (or abandoned) transfer.
	Detach(t *Transfer)
	// Close abandons all in-flight transfers and releases resources.
	Close() error
}
