package asyncetcd

import (
	"time"

	"github.com/joeycumines/go-asyncetcd/engine"
	"github.com/joeycumines/logiface"
)

const (
	// maxEndpoints bounds Config.Endpoints.
	maxEndpoints = 11

	defaultTimeout        = 30 * time.Second
	defaultConnectTimeout = 1 * time.Second
	defaultPoolSize       = 1024
	defaultPollTimeout    = 10 * time.Second
)

// ResponseProc consumes the outcome of one request, on the worker goroutine.
// The Response is borrowed: its lifetime ends when the call returns, and
// implementations must not retain it.
type ResponseProc func(client *Client, resp *Response, userdata any)

// Config models optional configuration for New. Endpoints is the only
// required field.
type Config struct {
	// Endpoints lists server URLs, e.g. "http://127.0.0.1:2379". At most 11
	// may be configured; only the first is used.
	Endpoints []string

	// Timeout bounds one whole transfer.
	//
	// Defaults to 30s, if 0.
	Timeout time.Duration

	// ConnectTimeout bounds connection establishment.
	//
	// Defaults to 1s, if 0.
	ConnectTimeout time.Duration

	// DisableKeepAlive turns off TCP keepalive on transfer connections.
	DisableKeepAlive bool

	// CertFile optionally names a client certificate, passed through to the
	// engine for every transfer.
	CertFile string

	// ParseDepth bounds child recursion when decoding node trees: 0 parses
	// the full tree, n > 0 materialises at most n levels counting the root
	// node itself (1: the root only, 2: the root and its children). Child
	// counts are recorded regardless.
	ParseDepth int

	// PoolSize is the reactor's file-descriptor capacity.
	//
	// Defaults to 1024, if 0.
	PoolSize int

	// PollTimeout bounds one reactor poll; the loop wakes at least this
	// often even when idle.
	//
	// Defaults to 10s, if 0.
	PollTimeout time.Duration

	// Logger enables structured logging of worker-side diagnostics. Nil
	// disables logging.
	Logger *logiface.Logger[logiface.Event]

	// Engine overrides the batch HTTP engine. Nil selects the built-in
	// httpmulti engine.
	Engine engine.Engine

	// UserData is passed, opaque, to every processor invocation.
	UserData any
}

// withDefaults resolves the documented defaults onto a copy.
func (c *Config) withDefaults() Config {
	var cfg Config
	if c != nil {
		cfg = *c
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	return cfg
}
