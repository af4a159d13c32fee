package asyncetcd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-asyncetcd/engine"
	"github.com/joeycumines/go-asyncetcd/reactor"
)

func newTestDriver(t *testing.T, eng engine.Engine) (*driver, *reactor.Pool) {
	t.Helper()
	pool, err := reactor.New(256)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	c := &Client{cfg: (&Config{Endpoints: []string{"http://127.0.0.1:2379"}}).withDefaults()}
	c.proc = func(*Client, *Response, any) {}
	d := newDriver(c, pool, eng, newWorkerLog(nil))
	c.drv = d
	return d, pool
}

func testFD(t *testing.T) int {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0]
}

func TestDriver_SocketActionLifecycle(t *testing.T) {
	eng := &fakeEngine{}
	d, _ := newTestDriver(t, eng)
	fd := testFD(t)

	d.handleSocketAction(fd, engine.In)
	rec := d.socks[fd]
	require.NotNil(t, rec)
	assert.Equal(t, engine.In, rec.action)

	// Unchanged masks short-circuit; the record is stable.
	d.handleSocketAction(fd, engine.In)
	assert.Same(t, rec, d.socks[fd])

	d.handleSocketAction(fd, engine.InOut)
	assert.Equal(t, engine.InOut, rec.action)

	d.handleSocketAction(fd, engine.Out)
	assert.Equal(t, engine.Out, rec.action)

	d.handleSocketAction(fd, engine.Remove)
	assert.Nil(t, d.socks[fd])
}

func TestDriver_TimerRequests(t *testing.T) {
	eng := &fakeEngine{}
	d, pool := newTestDriver(t, eng)

	d.handleTimerRequest(5000)
	require.NotZero(t, d.timerID)
	assert.Equal(t, 1, pool.TimerCount())

	// A reschedule replaces the pending timer rather than stacking.
	first := d.timerID
	d.handleTimerRequest(10000)
	assert.NotEqual(t, first, d.timerID)
	assert.Equal(t, 1, pool.TimerCount())

	// Negative cancels without notifying.
	d.handleTimerRequest(-1)
	assert.Zero(t, d.timerID)
	assert.Zero(t, pool.TimerCount())
}

func TestDriver_ZeroTimerNotifiesInline(t *testing.T) {
	notified := 0
	eng := &notifyCountEngine{fakeEngine: &fakeEngine{}, onTimeout: func() { notified++ }}
	d, pool := newTestDriver(t, eng)

	d.handleTimerRequest(0)
	assert.Equal(t, 1, notified)
	assert.Zero(t, pool.TimerCount())
}

// notifyCountEngine observes Timeout notifications.
type notifyCountEngine struct {
	*fakeEngine
	onTimeout func()
}

func (e *notifyCountEngine) Timeout() (int, error) {
	e.onTimeout()
	return e.fakeEngine.Timeout()
}

// TestDriver_ZeroTimerDeferredInsideNotification covers the reentrancy
// guard: an engine that asks for an immediate wakeup from within Timeout
// must not recurse, but get a zero-delay reactor timer instead.
func TestDriver_ZeroTimerDeferredInsideNotification(t *testing.T) {
	fake := &fakeEngine{}
	var d *driver
	calls := 0
	eng := &notifyCountEngine{fakeEngine: fake, onTimeout: func() {
		calls++
		if calls == 1 {
			d.handleTimerRequest(0)
		}
	}}
	var pool *reactor.Pool
	d, pool = newTestDriver(t, eng)

	d.handleTimerRequest(0)
	assert.Equal(t, 1, calls, "no recursive notification")
	assert.Equal(t, 1, pool.TimerCount(), "immediate wakeup deferred to a zero-delay timer")
}

// TestDriver_AttachFailureDropsResponse covers the attach failure path: the
// response is dropped and logged, and the processor never fires.
func TestDriver_AttachFailureDropsResponse(t *testing.T) {
	eng := &failingEngine{}
	d, _ := newTestDriver(t, eng)

	var calls int
	d.client.proc = func(*Client, *Response, any) { calls++ }

	d.dispatch(newRequest("http://127.0.0.1:2379/v2/keys/k", methodGet))
	assert.Zero(t, calls, "no callback may fire for a transfer that never attached")
	assert.Empty(t, d.states)
}

type failingEngine struct{ fakeEngine }

func (e *failingEngine) Attach(*engine.Transfer) error {
	return assert.AnError
}
