// Package httpmulti is the built-in batch HTTP engine: it drives many
// concurrent HTTP/1.1 exchanges over non-blocking TCP sockets, delegating
// readiness watching and timeout scheduling to its caller through the
// engine callbacks. One goroutine must own all entry points.
//
// The engine speaks plain HTTP only; a transfer naming any other scheme
// completes with CodeUnsupportedProtocol. Name resolution happens inside
// Attach and blocks the calling goroutine.
package httpmulti

import (
	"errors"
	"time"

	"github.com/joeycumines/go-asyncetcd/engine"
)

// Engine status codes, reported through Completion.Code.
const (
	CodeOK                  int64 = 0
	CodeUnsupportedProtocol int64 = 1
	CodeBadURL              int64 = 3
	CodeResolveFailed       int64 = 6
	CodeConnectFailed       int64 = 7
	CodeTimeout             int64 = 28
	CodeTooManyRedirects    int64 = 47
	CodeSendFailed          int64 = 55
	CodeRecvFailed          int64 = 56
)

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New(`httpmulti: engine closed`)

// Config models optional configuration for New.
type Config struct {
	// MaxRedirects bounds redirect hops per transfer.
	//
	// Defaults to 5, if 0.
	MaxRedirects int
}

// Multi is the engine instance. Instances must be created with New.
type Multi struct {
	socketFn     engine.SocketFunc
	timerFn      engine.TimerFunc
	conns        map[int]*conn
	transfers    map[*engine.Transfer]*conn
	completions  []engine.Completion
	maxRedirects int
	running      int
	timerSet     bool
	closed       bool
}

// New creates an engine. The cfg parameter is optional, and may be nil, in
// which case the documented defaults are used.
func New(cfg *Config) *Multi {
	maxRedirects := 5
	if cfg != nil && cfg.MaxRedirects != 0 {
		maxRedirects = cfg.MaxRedirects
	}
	return &Multi{
		conns:        make(map[int]*conn),
		transfers:    make(map[*engine.Transfer]*conn),
		maxRedirects: maxRedirects,
	}
}

// SetSocketFunc installs the socket-action callback.
func (m *Multi) SetSocketFunc(fn engine.SocketFunc) { m.socketFn = fn }

// SetTimerFunc installs the timeout-reschedule callback.
func (m *Multi) SetTimerFunc(fn engine.TimerFunc) { m.timerFn = fn }

func (m *Multi) requestSocket(fd int, action engine.SocketAction) {
	if m.socketFn != nil {
		m.socketFn(fd, action)
	}
}

// updateTimer reschedules the caller's timeout to the earliest pending
// deadline, or cancels it when none remain.
func (m *Multi) updateTimer() {
	if m.timerFn == nil {
		return
	}
	var next time.Time
	for _, c := range m.conns {
		if d, ok := c.nextDeadline(); ok && (next.IsZero() || d.Before(next)) {
			next = d
		}
	}
	if next.IsZero() {
		if m.timerSet {
			m.timerSet = false
			m.timerFn(-1)
		}
		return
	}
	// Always re-request: the caller owns a single pending-timer slot and
	// replaces it on every reschedule.
	ms := int64(time.Until(next) / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	m.timerSet = true
	m.timerFn(ms)
}

// Attach registers a transfer and starts driving it.
func (m *Multi) Attach(t *engine.Transfer) error {
	if m.closed {
		return ErrClosed
	}
	c := &conn{multi: m, transfer: t, fd: -1}
	m.transfers[t] = c
	m.running++
	if err := c.start(t.URL); err != nil {
		c.fail(classifyStartError(err), err)
	}
	m.updateTimer()
	return nil
}

// SocketAction notifies the engine of readiness on fd.
func (m *Multi) SocketAction(fd int, events engine.Events) (int, error) {
	if c := m.conns[fd]; c != nil {
		if events&engine.Writable != 0 {
			c.onWritable()
		}
		// The conn may have completed or moved fds while handling the
		// writable side.
		if c := m.conns[fd]; c != nil && events&engine.Readable != 0 {
			c.onReadable()
		}
	}
	m.updateTimer()
	return m.running, nil
}

// Timeout notifies the engine that the rescheduled timeout fired: expired
// transfers are failed and the timer recomputed.
func (m *Multi) Timeout() (int, error) {
	m.timerSet = false
	now := time.Now()
	var expired []*conn
	for _, c := range m.conns {
		if c.expired(now) {
			expired = append(expired, c)
		}
	}
	for _, c := range expired {
		c.fail(CodeTimeout, errTimeout)
	}
	m.updateTimer()
	return m.running, nil
}

// NextCompletion drains one completion message.
func (m *Multi) NextCompletion() (engine.Completion, bool) {
	if len(m.completions) == 0 {
		return engine.Completion{}, false
	}
	c := m.completions[0]
	m.completions = m.completions[1:]
	if len(m.completions) == 0 {
		m.completions = nil
	}
	return c, true
}

// Detach releases a transfer. A still-running transfer is abandoned without
// a completion message.
func (m *Multi) Detach(t *engine.Transfer) {
	c, ok := m.transfers[t]
	if !ok {
		return
	}
	delete(m.transfers, t)
	if !c.done {
		c.closeSocket()
		c.done = true
		m.running--
	}
}

// Close abandons every transfer and drops undelivered completions.
func (m *Multi) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	for t, c := range m.transfers {
		if !c.done {
			c.closeSocket()
			c.done = true
		}
		delete(m.transfers, t)
	}
	m.conns = make(map[int]*conn)
	m.completions = nil
	m.running = 0
	return nil
}

var errTimeout = errors.New(`httpmulti: transfer deadline exceeded`)
