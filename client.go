package asyncetcd

import (
	"fmt"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-asyncetcd/engine"
	"github.com/joeycumines/go-asyncetcd/httpmulti"
	"github.com/joeycumines/go-asyncetcd/reactor"
)

// serverVersion is the key-space version prefix of every request path.
const serverVersion = "v2"

// wakeRetries bounds the EAGAIN retries of the one-byte wake write.
const wakeRetries = 3

// Client is an asynchronous client for an etcd v2 key-value store. Verbs
// enqueue work and return; responses are delivered to the configured
// processor on a dedicated worker goroutine. Instances must be created with
// New, and all verbs are safe for concurrent use.
//
// Each successful enqueue writes one wake byte; the worker pops exactly one
// request per byte, oldest first. A producer that cannot place the byte after
// bounded retries receives ErrWakeBackpressure and its request stays queued.
// From then on the queue holds one request more than there are wake bytes:
// later wakes still pop the oldest request, and the newest queued request
// waits until a further enqueue wakes the worker.
type Client struct {
	cfg  Config
	proc ResponseProc
	log  workerLog

	queue requestQueue
	pool  *reactor.Pool
	eng   engine.Engine
	drv   *driver

	wakeRead  int
	wakeWrite int
	endpoint  string

	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a client and spawns its worker, returning once the worker has
// signalled readiness. Panics on a nil processor.
func New(proc ResponseProc, cfg *Config) (*Client, error) {
	if proc == nil {
		panic(`asyncetcd: nil response processor`)
	}
	c := &Client{
		cfg:       cfg.withDefaults(),
		proc:      proc,
		wakeRead:  -1,
		wakeWrite: -1,
		done:      make(chan struct{}),
	}
	switch n := len(c.cfg.Endpoints); {
	case n == 0:
		return nil, ErrNoEndpoints
	case n > maxEndpoints:
		return nil, ErrTooManyEndpoints
	}
	c.endpoint = strings.TrimRight(c.cfg.Endpoints[0], "/")
	c.log = newWorkerLog(c.cfg.Logger)

	pool, err := reactor.New(c.cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("asyncetcd: reactor setup: %w", err)
	}
	pool.SetLogger(c.cfg.Logger)
	c.pool = pool

	rfd, wfd, err := newWakePipe()
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("asyncetcd: wake pipe: %w", err)
	}
	c.wakeRead, c.wakeWrite = rfd, wfd

	c.eng = c.cfg.Engine
	if c.eng == nil {
		c.eng = httpmulti.New(nil)
	}
	c.drv = newDriver(c, pool, c.eng, c.log)

	if err := pool.AddFD(rfd, reactor.Readable, c.handleWake, nil); err != nil {
		_ = pool.Close()
		_ = unix.Close(rfd)
		_ = unix.Close(wfd)
		return nil, fmt.Errorf("asyncetcd: wake pipe registration: %w", err)
	}

	ready := make(chan struct{})
	go c.run(ready)
	<-ready
	return c, nil
}

// run is the worker goroutine.
func (c *Client) run(ready chan<- struct{}) {
	defer close(c.done)
	c.log.debug().Log(`asyncetcd: worker started`)
	close(ready)
	c.pool.Dispatch(c.cfg.PollTimeout)
	c.log.debug().Log(`asyncetcd: worker terminated`)
}

// handleWake drains one wake byte and pops one request. A byte with an empty
// queue (or the stop byte) is a harmless no-op.
func (c *Client) handleWake(_ *reactor.Pool, fd int, _ any, _ reactor.Events) {
	var buf [1]byte
	_, _ = unix.Read(fd, buf[:])
	if req := c.queue.pop(); req != nil {
		c.drv.dispatch(req)
	}
}

// invokeProc delivers one response to the processor. Runs on the worker.
func (c *Client) invokeProc(resp *Response) {
	c.proc(c, resp, c.cfg.UserData)
}

// send enqueues a request and wakes the worker.
func (c *Client) send(req *Request) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.cfg.CertFile != "" {
		req.certFile = c.cfg.CertFile
	}
	c.queue.push(req)
	return c.wake()
}

// wake writes the one-byte token, retrying EAGAIN a bounded number of times.
func (c *Client) wake() error {
	token := [1]byte{'0'}
	for attempt := 0; ; attempt++ {
		_, err := unix.Write(c.wakeWrite, token[:])
		switch {
		case err == nil:
			return nil
		case err == unix.EINTR:
		case err == unix.EAGAIN:
			if attempt == wakeRetries {
				return ErrWakeBackpressure
			}
			runtime.Gosched()
		default:
			return fmt.Errorf("asyncetcd: wake write: %w", err)
		}
	}
}

// Close stops the worker, joins it, abandons in-flight transfers without
// invoking the processor, and releases the pipe, engine, and reactor. Safe
// to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.pool.Stop()
		token := [1]byte{'0'}
		_, _ = unix.Write(c.wakeWrite, token[:])
		<-c.done

		c.closeErr = c.drv.shutdown()
		if err := c.pool.Close(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
		_ = unix.Close(c.wakeRead)
		_ = unix.Close(c.wakeWrite)
	})
	return c.closeErr
}

// keyURL builds the request URL for key, with an optional raw query,
// enforcing the URL buffer bound.
func (c *Client) keyURL(key, query string) (string, error) {
	if !strings.HasPrefix(key, "/") {
		key = "/" + key
	}
	var b strings.Builder
	b.WriteString(c.endpoint)
	b.WriteString("/")
	b.WriteString(serverVersion)
	b.WriteString("/keys")
	b.WriteString(key)
	if query != "" {
		b.WriteString("?")
		b.WriteString(query)
	}
	u := b.String()
	if len(u) >= urlBufSize {
		return "", ErrURLTooLong
	}
	return u, nil
}

// Mkdir asynchronously creates a directory at key; ttl seconds of life when
// positive, no expiry otherwise.
func (c *Client) Mkdir(key string, ttl int64) error {
	var query string
	if ttl > 0 {
		query = "ttl=" + strconv.FormatInt(ttl, 10)
	}
	u, err := c.keyURL(key, query)
	if err != nil {
		return err
	}
	req := newRequest(u, methodPut)
	req.body = "dir=true"
	return c.send(req)
}

// Set asynchronously writes value at key; ttl seconds of life when positive.
func (c *Client) Set(key, value string, ttl int64) error {
	u, err := c.keyURL(key, "")
	if err != nil {
		return err
	}
	form := url.Values{"value": {value}}
	if ttl > 0 {
		form.Set("ttl", strconv.FormatInt(ttl, 10))
	}
	req := newRequest(u, methodPut)
	req.body = form.Encode()
	return c.send(req)
}

// GetOptions models the optional shape of a read.
type GetOptions struct {
	// Recursive fetches the whole subtree below a directory key.
	Recursive bool
}

// Get asynchronously reads the subtree at key (recursive).
func (c *Client) Get(key string) error {
	return c.GetWith(key, GetOptions{Recursive: true})
}

// GetWith asynchronously reads key with explicit options.
func (c *Client) GetWith(key string, opts GetOptions) error {
	var query string
	if opts.Recursive {
		query = "recursive=true"
	}
	u, err := c.keyURL(key, query)
	if err != nil {
		return err
	}
	return c.send(newRequest(u, methodGet))
}

// Delete asynchronously removes the subtree at key (recursive).
func (c *Client) Delete(key string) error {
	return c.DeleteWith(key, GetOptions{Recursive: true})
}

// DeleteWith asynchronously removes key with explicit options.
func (c *Client) DeleteWith(key string, opts GetOptions) error {
	var query string
	if opts.Recursive {
		query = "recursive=true"
	}
	u, err := c.keyURL(key, query)
	if err != nil {
		return err
	}
	return c.send(newRequest(u, methodDelete))
}

// Watch asynchronously long-polls for the next change at or below key. The
// response arrives when the server reports an event.
func (c *Client) Watch(key string) error {
	u, err := c.keyURL(key, "wait=true&recursive=true")
	if err != nil {
		return err
	}
	return c.send(newRequest(u, methodGet))
}

// WatchAfter is Watch resuming from a known modified index, so events
// between the index and now are not missed.
func (c *Client) WatchAfter(key string, index int64) error {
	u, err := c.keyURL(key, "wait=true&recursive=true&waitIndex="+strconv.FormatInt(index, 10))
	if err != nil {
		return err
	}
	return c.send(newRequest(u, methodGet))
}
