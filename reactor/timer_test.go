package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkHeap verifies the min-heap property over the whole backing array.
func checkHeap(t *testing.T, h *timerHeap) {
	t.Helper()
	for i := 1; i < h.num; i++ {
		parent := (i - 1) / 2
		if h.items[i].before(h.items[parent]) {
			t.Fatalf("heap property violated at %d: (%d,%d) < parent (%d,%d)",
				i, h.items[i].sec, h.items[i].msec,
				h.items[parent].sec, h.items[parent].msec)
		}
	}
}

func TestAddTimer_HeapProperty(t *testing.T) {
	p, err := New(8)
	require.NoError(t, err)
	defer p.Close()

	// A mix of far and near due times, inserted out of order.
	durations := []time.Duration{
		time.Hour, time.Millisecond, 30 * time.Second, 2 * time.Millisecond,
		45 * time.Minute, time.Second, 20 * time.Hour, 500 * time.Millisecond,
	}
	var ids []int64
	for i := 0; i < 50; i++ {
		id, err := p.AddTimer(durations[i%len(durations)], nil, nil)
		require.NoError(t, err)
		require.NotZero(t, id)
		ids = append(ids, id)
		checkHeap(t, &p.timers)
	}

	for _, id := range ids {
		require.NoError(t, p.DelTimer(id))
		checkHeap(t, &p.timers)
	}
	assert.Zero(t, p.TimerCount())
}

func TestAddTimer_MonotonicIDs(t *testing.T) {
	p, err := New(8)
	require.NoError(t, err)
	defer p.Close()

	var last int64
	for i := 0; i < 10; i++ {
		id, err := p.AddTimer(time.Minute, nil, nil)
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestDelTimer_NotFound(t *testing.T) {
	p, err := New(8)
	require.NoError(t, err)
	defer p.Close()

	assert.ErrorIs(t, p.DelTimer(42), ErrTimerNotFound)

	id, err := p.AddTimer(time.Minute, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.DelTimer(id))
	assert.ErrorIs(t, p.DelTimer(id), ErrTimerNotFound)
}

// TestAddDelTimer_RestoresState checks the round trip law: adding then
// deleting a timer leaves the (due, id) multiset unchanged.
func TestAddDelTimer_RestoresState(t *testing.T) {
	p, err := New(8)
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 20; i++ {
		_, err := p.AddTimer(time.Duration(i+1)*time.Minute, nil, nil)
		require.NoError(t, err)
	}

	snapshot := func() map[[3]int64]int {
		m := make(map[[3]int64]int)
		for i := 0; i < p.timers.num; i++ {
			tm := p.timers.items[i]
			m[[3]int64{tm.sec, tm.msec, tm.id}]++
		}
		return m
	}

	before := snapshot()
	id, err := p.AddTimer(time.Second, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.DelTimer(id))
	assert.Equal(t, before, snapshot())
}

func TestTimerHeap_GrowAndShrink(t *testing.T) {
	p, err := New(8)
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, timerInitialCap, len(p.timers.items))

	var ids []int64
	for i := 0; i < timerInitialCap+1; i++ {
		id, err := p.AddTimer(time.Duration(i+1)*time.Second, nil, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, timerInitialCap*2, len(p.timers.items))

	// Dropping back to a quarter of capacity halves it, never below the
	// initial size.
	for _, id := range ids {
		require.NoError(t, p.DelTimer(id))
	}
	assert.Equal(t, timerInitialCap, len(p.timers.items))
	checkHeap(t, &p.timers)
}

func TestAddTimer_HardCap(t *testing.T) {
	if testing.Short() {
		t.Skip("fills the timer heap to its hard cap")
	}
	p, err := New(8)
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < timerMaxCap; i++ {
		id, err := p.AddTimer(time.Hour, nil, nil)
		require.NoError(t, err)
		require.NotZero(t, id)
	}
	id, err := p.AddTimer(time.Hour, nil, nil)
	assert.Zero(t, id)
	assert.ErrorIs(t, err, ErrTimerHeapFull)
}

func TestProcessTimers_FireOrder(t *testing.T) {
	p, err := New(8)
	require.NoError(t, err)
	defer p.Close()

	// 40 timers with strictly increasing due times; every other one is
	// cancelled before any fire.
	type fired struct {
		id  int64
		due time.Duration
	}
	var got []fired
	due := make(map[int64]time.Duration)

	var ids []int64
	for i := 0; i < 40; i++ {
		d := time.Duration(2*i+2) * time.Millisecond
		id, err := p.AddTimer(d, func(p *Pool, id int64, _ any) {
			got = append(got, fired{id: id, due: due[id]})
		}, nil)
		require.NoError(t, err)
		due[id] = d
		ids = append(ids, id)
	}
	for i := 0; i < len(ids); i += 2 {
		require.NoError(t, p.DelTimer(ids[i]))
	}

	deadline := time.Now().Add(5 * time.Second)
	for p.TimerCount() > 0 && time.Now().Before(deadline) {
		p.processTimers()
	}
	require.Len(t, got, 20)

	for i, f := range got {
		assert.Equal(t, ids[2*(i)+1], f.id, "fire order must match due order")
	}
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].due, got[i].due)
	}
}

func TestTimerCallback_MayMutateHeap(t *testing.T) {
	p, err := New(8)
	require.NoError(t, err)
	defer p.Close()

	var nested, outer bool
	otherID, err := p.AddTimer(time.Hour, nil, nil)
	require.NoError(t, err)

	id, err := p.AddTimer(0, func(p *Pool, id int64, _ any) {
		outer = true
		// The firing timer is still present.
		assert.Equal(t, 2, p.TimerCount())
		require.NoError(t, p.DelTimer(otherID))
		// Deleting the firing timer itself is allowed.
		require.NoError(t, p.DelTimer(id))
		_, err := p.AddTimer(0, func(*Pool, int64, any) { nested = true }, nil)
		require.NoError(t, err)
	}, nil)
	require.NoError(t, err)
	require.NotZero(t, id)

	deadline := time.Now().Add(5 * time.Second)
	for p.TimerCount() > 0 && time.Now().Before(deadline) {
		p.processTimers()
	}
	assert.True(t, outer)
	assert.True(t, nested)
	assert.Zero(t, p.TimerCount())
}
