package httpmulti

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-asyncetcd/engine"
)

type connState int

const (
	stateConnecting connState = iota
	stateSending
	stateHead
	stateBody
)

var (
	errUnsupportedScheme = errors.New(`httpmulti: unsupported url scheme`)
	errUnexpectedEOF     = errors.New(`httpmulti: connection closed mid-response`)
)

// conn drives one transfer across one (or, after a redirect, more than one)
// TCP connection.
type conn struct {
	multi    *Multi
	transfer *engine.Transfer
	fd       int
	state    connState
	done     bool

	reqURL *url.URL

	out  []byte // unsent request bytes
	head []byte // buffered response head

	status      int
	redirect    string
	redirects   int
	redirecting bool

	contentLength int64 // -1 until a framing header is seen
	received      int64
	chunked       bool
	chunk         chunkReader

	connectDeadline time.Time
	deadline        time.Time
}

func classifyStartError(err error) int64 {
	switch {
	case errors.Is(err, errUnsupportedScheme):
		return CodeUnsupportedProtocol
	case isResolveError(err):
		return CodeResolveFailed
	case isParseError(err):
		return CodeBadURL
	default:
		return CodeConnectFailed
	}
}

func isResolveError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var addrErr *net.AddrError
	return errors.As(err, &addrErr)
}

func isParseError(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// start opens a non-blocking connection towards rawURL and serialises the
// request. It is called both at attach and per redirect hop.
func (c *conn) start(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &url.Error{Op: "parse", URL: rawURL, Err: err}
	}
	if u.Scheme != "http" {
		return fmt.Errorf("%w: %q", errUnsupportedScheme, u.Scheme)
	}
	hostport := u.Host
	if u.Port() == "" {
		hostport = net.JoinHostPort(u.Hostname(), "80")
	}
	addr, err := net.ResolveTCPAddr("tcp", hostport)
	if err != nil {
		return err
	}
	sa, family, err := sockaddrFor(addr)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if !c.transfer.DisableKeepAlive {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	}

	c.reqURL = u
	c.out = buildRequest(c.transfer, u)
	c.head = nil
	c.status = 0
	c.redirect = ""
	c.redirecting = false
	c.contentLength = -1
	c.received = 0
	c.chunked = false
	c.chunk.reset()

	now := time.Now()
	c.connectDeadline = time.Time{}
	if d := c.transfer.ConnectTimeout; d > 0 {
		c.connectDeadline = now.Add(d)
	}
	if c.deadline.IsZero() {
		if d := c.transfer.Timeout; d > 0 {
			c.deadline = now.Add(d)
		}
	}

	switch err := unix.Connect(fd, sa); err {
	case nil:
		c.state = stateSending
	case unix.EINPROGRESS:
		c.state = stateConnecting
	default:
		_ = unix.Close(fd)
		return fmt.Errorf("httpmulti: connect %s: %w", hostport, err)
	}

	c.fd = fd
	c.multi.conns[fd] = c
	c.multi.requestSocket(fd, engine.Out)
	return nil
}

func (c *conn) closeSocket() {
	if c.fd == -1 {
		return
	}
	c.multi.requestSocket(c.fd, engine.Remove)
	delete(c.multi.conns, c.fd)
	_ = unix.Close(c.fd)
	c.fd = -1
}

func (c *conn) finish(code int64, err error) {
	if c.done {
		return
	}
	c.closeSocket()
	c.done = true
	c.multi.running--
	c.multi.completions = append(c.multi.completions, engine.Completion{
		Transfer: c.transfer,
		Code:     code,
		Err:      err,
	})
}

func (c *conn) fail(code int64, err error) { c.finish(code, err) }

func (c *conn) succeed() { c.finish(CodeOK, nil) }

// nextDeadline reports the conn's earliest pending deadline.
func (c *conn) nextDeadline() (time.Time, bool) {
	if c.done {
		return time.Time{}, false
	}
	d := c.deadline
	if c.state == stateConnecting && !c.connectDeadline.IsZero() &&
		(d.IsZero() || c.connectDeadline.Before(d)) {
		d = c.connectDeadline
	}
	return d, !d.IsZero()
}

func (c *conn) expired(now time.Time) bool {
	if c.done {
		return false
	}
	if !c.deadline.IsZero() && now.After(c.deadline) {
		return true
	}
	return c.state == stateConnecting && !c.connectDeadline.IsZero() &&
		now.After(c.connectDeadline)
}

func (c *conn) onWritable() {
	switch c.state {
	case stateConnecting:
		soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			c.fail(CodeConnectFailed, err)
			return
		}
		if soerr != 0 {
			c.fail(CodeConnectFailed, fmt.Errorf("httpmulti: connect: %w", unix.Errno(soerr)))
			return
		}
		c.state = stateSending
		fallthrough
	case stateSending:
		for len(c.out) > 0 {
			n, err := unix.Write(c.fd, c.out)
			switch err {
			case nil:
				c.out = c.out[n:]
			case unix.EINTR:
			case unix.EAGAIN:
				return
			default:
				c.fail(CodeSendFailed, err)
				return
			}
		}
		c.state = stateHead
		c.multi.requestSocket(c.fd, engine.In)
	}
}

func (c *conn) onReadable() {
	if c.state != stateHead && c.state != stateBody {
		return
	}
	var buf [4096]byte
	for {
		n, err := unix.Read(c.fd, buf[:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return
		case err != nil:
			c.fail(CodeRecvFailed, err)
			return
		case n == 0:
			c.onEOF()
			return
		}
		if !c.consume(buf[:n]) {
			return
		}
	}
}

// consume feeds received bytes through head parsing and body framing,
// returning false once the conn finished or restarted (its fd is gone
// either way).
func (c *conn) consume(data []byte) bool {
	if c.state == stateHead {
		c.head = append(c.head, data...)
		head, rest, ok := splitHead(c.head)
		if !ok {
			if len(c.head) > maxHeadSize {
				c.fail(CodeRecvFailed, errHeadTooLarge)
				return false
			}
			return true
		}
		if err := c.applyHead(head); err != nil {
			c.fail(CodeRecvFailed, err)
			return false
		}
		c.head = nil
		c.state = stateBody
		data = rest
		if c.contentLength == 0 && !c.chunked {
			return c.bodyDone()
		}
		if len(data) == 0 {
			return true
		}
	}
	return c.consumeBody(data)
}

// applyHead parses the response head and configures body framing. Redirect
// responses are followed silently: their headers and body are not delivered
// to the transfer's sinks.
func (c *conn) applyHead(head []byte) error {
	status, lines, err := parseHead(head)
	if err != nil {
		return err
	}
	c.status = status

	var location string
	for _, line := range lines {
		switch name, value := headerField(line); name {
		case "content-length":
			if n, err := parseContentLength(value); err == nil {
				c.contentLength = n
			}
		case "transfer-encoding":
			if hasToken(value, "chunked") {
				c.chunked = true
			}
		case "location":
			location = value
		}
	}

	if c.transfer.FollowRedirects && location != "" && isRedirect(status) {
		c.redirect = location
		c.redirecting = true
		return nil
	}

	if c.transfer.StatusFunc != nil {
		c.transfer.StatusFunc(status)
	}
	if c.transfer.HeaderFunc != nil {
		for _, line := range lines {
			c.transfer.HeaderFunc(line)
		}
	}
	return nil
}

func (c *conn) consumeBody(data []byte) bool {
	if c.chunked {
		done, err := c.chunk.feed(data, c.emitBody)
		if err != nil {
			c.fail(CodeRecvFailed, err)
			return false
		}
		if done {
			return c.bodyDone()
		}
		return true
	}

	if c.contentLength >= 0 {
		if want := c.contentLength - c.received; int64(len(data)) > want {
			data = data[:want]
		}
		c.received += int64(len(data))
		c.emitBody(data)
		if c.received == c.contentLength {
			return c.bodyDone()
		}
		return true
	}

	// No framing header: the body runs to EOF.
	c.received += int64(len(data))
	c.emitBody(data)
	return true
}

func (c *conn) emitBody(data []byte) {
	if c.redirecting || len(data) == 0 {
		return
	}
	if c.transfer.WriteFunc != nil {
		c.transfer.WriteFunc(data)
	}
}

// bodyDone ends the response: either hop to the redirect target or report
// success. Returns false always, as the conn's fd is gone.
func (c *conn) bodyDone() bool {
	if c.redirecting {
		c.restart()
	} else {
		c.succeed()
	}
	return false
}

func (c *conn) onEOF() {
	if c.state == stateBody && !c.chunked && c.contentLength < 0 {
		c.bodyDone()
		return
	}
	c.fail(CodeRecvFailed, errUnexpectedEOF)
}

// restart follows one redirect hop, preserving the method (POST included)
// and the transfer's overall deadline.
func (c *conn) restart() {
	c.redirects++
	if c.redirects > c.multi.maxRedirects {
		c.fail(CodeTooManyRedirects, fmt.Errorf("httpmulti: more than %d redirects", c.multi.maxRedirects))
		return
	}
	ref, err := url.Parse(c.redirect)
	if err != nil {
		c.fail(CodeBadURL, err)
		return
	}
	next := c.reqURL.ResolveReference(ref)
	c.closeSocket()
	if err := c.start(next.String()); err != nil {
		c.fail(classifyStartError(err), err)
	}
}

func isRedirect(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}
