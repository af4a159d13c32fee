package asyncetcd

import (
	"time"

	"github.com/joeycumines/go-asyncetcd/engine"
	"github.com/joeycumines/go-asyncetcd/reactor"
)

// transferState tracks the per-transfer lifecycle as seen by the driver.
// Terminal states are never revisited.
type transferState int

const (
	transferCreated transferState = iota
	transferAttached
	transferCompleted
	transferReported
	transferReleased
)

// sockRecord is the driver's view of one engine socket: the descriptor and
// the last action mask the engine requested for it.
type sockRecord struct {
	fd     int
	action engine.SocketAction
}

// driver bridges the engine's socket-action and timer callbacks onto the
// reactor, and owns the per-transfer lifecycle. All methods run on the
// worker goroutine.
type driver struct {
	client   *Client
	pool     *reactor.Pool
	eng      engine.Engine
	log      workerLog
	socks    map[int]*sockRecord
	states   map[*engine.Transfer]transferState
	timerID  int64
	running  int
	inNotify bool
	closing  bool
}

func newDriver(client *Client, pool *reactor.Pool, eng engine.Engine, log workerLog) *driver {
	d := &driver{
		client: client,
		pool:   pool,
		eng:    eng,
		log:    log,
		socks:  make(map[int]*sockRecord),
		states: make(map[*engine.Transfer]transferState),
	}
	eng.SetSocketFunc(d.handleSocketAction)
	eng.SetTimerFunc(d.handleTimerRequest)
	return d
}

func actionFlags(a engine.SocketAction) reactor.Events {
	switch a {
	case engine.In:
		return reactor.Readable
	case engine.Out:
		return reactor.Writable
	case engine.InOut:
		return reactor.Readable | reactor.Writable
	}
	return reactor.None
}

// handleSocketAction services the engine's "watch fd for these directions"
// requests, translating the action mask into reactor registrations. An
// unchanged mask is a no-op.
func (d *driver) handleSocketAction(fd int, action engine.SocketAction) {
	if action == engine.Remove {
		if _, ok := d.socks[fd]; ok {
			d.pool.DelFD(fd, reactor.Readable|reactor.Writable)
			delete(d.socks, fd)
		}
		return
	}

	rec := d.socks[fd]
	if rec == nil {
		rec = &sockRecord{fd: fd}
		d.socks[fd] = rec
	} else if rec.action == action {
		return
	}

	want, have := actionFlags(action), actionFlags(rec.action)
	if stale := have &^ want; stale != reactor.None {
		d.pool.DelFD(fd, stale)
	}
	if want != reactor.None {
		if err := d.pool.AddFD(fd, want, d.handleReady, rec); err != nil {
			d.log.warn(`socket-register`).Err(err).Int(`fd`, fd).Log(`asyncetcd: socket registration failed`)
			return
		}
	}
	rec.action = action
}

// handleTimerRequest services the engine's timeout reschedule: cancel the
// pending reactor timer and, for a positive delay, install a new one. A zero
// delay notifies the engine immediately (deferred through a zero-delay timer
// when already inside an engine notification); a negative delay leaves no
// timer pending.
func (d *driver) handleTimerRequest(ms int64) {
	if d.timerID != 0 {
		_ = d.pool.DelTimer(d.timerID)
		d.timerID = 0
	}
	if ms < 0 {
		return
	}
	if ms == 0 && !d.inNotify {
		d.notifyTimeout()
		return
	}
	id, err := d.pool.AddTimer(time.Duration(ms)*time.Millisecond, d.handleTimerFire, nil)
	if err != nil {
		d.log.warn(`timer`).Err(err).Int64(`ms`, ms).Log(`asyncetcd: timer install failed`)
		return
	}
	d.timerID = id
}

func (d *driver) handleTimerFire(_ *reactor.Pool, id int64, _ any) {
	if d.timerID == id {
		d.timerID = 0
	}
	d.notifyTimeout()
}

func (d *driver) notifyTimeout() {
	d.inNotify = true
	running, err := d.eng.Timeout()
	d.inNotify = false
	if err != nil {
		d.log.warn(`engine`).Err(err).Log(`asyncetcd: engine timeout notification failed`)
	}
	d.running = running
	d.drain()
}

// handleReady is the reactor-side handler for every engine socket.
func (d *driver) handleReady(_ *reactor.Pool, fd int, _ any, events reactor.Events) {
	var ev engine.Events
	if events&reactor.Readable != 0 {
		ev |= engine.Readable
	}
	if events&reactor.Writable != 0 {
		ev |= engine.Writable
	}
	d.inNotify = true
	running, err := d.eng.SocketAction(fd, ev)
	d.inNotify = false
	if err != nil {
		d.log.warn(`engine`).Err(err).Int(`fd`, fd).Log(`asyncetcd: engine socket notification failed`)
	}
	d.running = running
	d.drain()
	d.cancelTimerIfIdle()
}

func (d *driver) cancelTimerIfIdle() {
	if d.running == 0 && d.timerID != 0 {
		_ = d.pool.DelTimer(d.timerID)
		d.timerID = 0
	}
}

// dispatch hands one dequeued request to the engine.
func (d *driver) dispatch(req *Request) {
	resp := newResponse()
	t := &engine.Transfer{
		URL:              req.url,
		Method:           req.method,
		ForbidReuse:      true,
		FollowRedirects:  true,
		CertFile:         req.certFile,
		DisableKeepAlive: d.client.cfg.DisableKeepAlive,
		ConnectTimeout:   d.client.cfg.ConnectTimeout,
		Timeout:          d.client.cfg.Timeout,
		WriteFunc:        resp.appendBody,
		HeaderFunc:       resp.handleHeader,
		StatusFunc:       func(code int) { resp.StatusCode = code },
		Private:          resp,
	}
	if req.body != "" {
		t.Body = []byte(req.body)
	}
	d.states[t] = transferCreated

	if err := d.eng.Attach(t); err != nil {
		// The response is dropped without reporting it; attach failures
		// surface in the log only.
		delete(d.states, t)
		d.log.warn(`attach`).Err(err).Str(`url`, req.url).Log(`asyncetcd: attach failed`)
		return
	}
	d.states[t] = transferAttached
	d.log.debug().Str(`method`, req.method).Str(`url`, req.url).Log(`asyncetcd: transfer attached`)
	// An attach may fail (or even finish) synchronously inside the engine;
	// its completion message must not wait for the next readiness event.
	d.drain()
}

// drain consumes completion messages: parse, report, detach, release.
func (d *driver) drain() {
	for {
		c, ok := d.eng.NextCompletion()
		if !ok {
			return
		}
		t := c.Transfer
		d.states[t] = transferCompleted

		if resp, _ := t.Private.(*Response); resp != nil && !d.closing {
			if c.Code != 0 {
				var msg string
				if c.Err != nil {
					msg = c.Err.Error()
				}
				resp.setError(KindTransport, c.Code, msg)
			} else {
				parseResponse(resp, d.client.cfg.ParseDepth)
			}
			d.client.invokeProc(resp)
			d.states[t] = transferReported
		}

		d.eng.Detach(t)
		d.states[t] = transferReleased
		delete(d.states, t)
	}
}

// shutdown abandons all in-flight transfers without reporting them.
func (d *driver) shutdown() error {
	d.closing = true
	err := d.eng.Close()
	for t := range d.states {
		delete(d.states, t)
	}
	d.socks = make(map[int]*sockRecord)
	return err
}
