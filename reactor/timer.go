package reactor

import (
	"time"
)

const (
	// timerInitialCap is the heap's starting capacity, and the floor it may
	// shrink back down to.
	timerInitialCap = 128
	// timerMaxCap is the hard capacity limit; AddTimer reports back-pressure
	// beyond it.
	timerMaxCap = 131072
)

// TimerProc handles a fired timer. The timer is still present in the heap
// while the callback runs; it is removed after the callback returns. The
// callback may add or delete timers freely, including its own.
type TimerProc func(p *Pool, id int64, data any)

// timer is one heap entry. Due time is split into (sec, msec) and compared
// lexicographically.
type timer struct {
	id   int64
	sec  int64
	msec int64
	proc TimerProc
	data any
}

// before reports whether t is due strictly earlier than u.
func (t *timer) before(u *timer) bool {
	if t.sec == u.sec {
		return t.msec < u.msec
	}
	return t.sec < u.sec
}

// timerHeap is a binary min-heap with explicitly managed capacity: it starts
// at timerInitialCap entries, doubles on overflow up to timerMaxCap, and
// halves when occupancy falls to a quarter of capacity (never below the
// initial size).
type timerHeap struct {
	items []*timer
	num   int
	maxID int64
}

func (h *timerHeap) init() {
	h.items = make([]*timer, timerInitialCap)
	h.num = 0
	h.maxID = 0
}

// next returns the due time of the earliest timer, if any.
func (h *timerHeap) next() (time.Time, bool) {
	if h.num == 0 {
		return time.Time{}, false
	}
	t := h.items[0]
	return time.Unix(t.sec, t.msec*int64(time.Millisecond)), true
}

func (h *timerHeap) resize(grow bool) bool {
	var size int
	if grow {
		size = len(h.items) << 1
		if size > timerMaxCap {
			return false
		}
	} else {
		size = len(h.items) >> 1
		if size < timerInitialCap {
			return false
		}
	}
	items := make([]*timer, size)
	copy(items, h.items[:h.num])
	h.items = items
	return true
}

func (h *timerHeap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.items[i].before(h.items[parent]) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *timerHeap) siftDown(i int) {
	for {
		left := 2*i + 1
		if left >= h.num {
			break
		}
		least := left
		if right := left + 1; right < h.num && h.items[right].before(h.items[left]) {
			least = right
		}
		if !h.items[least].before(h.items[i]) {
			break
		}
		h.items[i], h.items[least] = h.items[least], h.items[i]
		i = least
	}
}

func (h *timerHeap) insert(t *timer) bool {
	if h.num == len(h.items) && !h.resize(true) {
		return false
	}
	h.items[h.num] = t
	h.num++
	h.siftUp(h.num - 1)
	return true
}

// remove deletes the timer with the given id: swap with the last entry,
// shrink, then restore the heap property at the hole in whichever direction
// is violated.
func (h *timerHeap) remove(id int64) bool {
	i := -1
	for j := 0; j < h.num; j++ {
		if h.items[j].id == id {
			i = j
			break
		}
	}
	if i == -1 {
		return false
	}

	h.num--
	h.items[i], h.items[h.num] = h.items[h.num], nil
	if i < h.num {
		if i > 0 && h.items[i].before(h.items[(i-1)/2]) {
			h.siftUp(i)
		} else {
			h.siftDown(i)
		}
	}

	if h.num <= len(h.items)>>2 {
		h.resize(false)
	}
	return true
}

// timeAfter splits now+d into (sec, msec).
func timeAfter(d time.Duration) (sec, msec int64) {
	now := time.Now()
	sec = now.Unix() + int64(d/time.Second)
	msec = int64(now.Nanosecond())/int64(time.Millisecond) + int64(d%time.Second/time.Millisecond)
	if msec >= 1000 {
		sec++
		msec -= 1000
	}
	return
}

// AddTimer schedules proc to run once, d from now, returning the timer's
// identifier. Identifiers are monotonically increasing; zero is never a
// valid identifier and is returned, with ErrTimerHeapFull, when the heap is
// at its hard capacity limit. Callers must treat that as back-pressure.
func (p *Pool) AddTimer(d time.Duration, proc TimerProc, data any) (int64, error) {
	t := &timer{
		id:   p.timers.maxID + 1,
		proc: proc,
		data: data,
	}
	t.sec, t.msec = timeAfter(d)
	if !p.timers.insert(t) {
		return 0, ErrTimerHeapFull
	}
	p.timers.maxID = t.id
	return t.id, nil
}

// DelTimer cancels the timer with the given id.
func (p *Pool) DelTimer(id int64) error {
	if !p.timers.remove(id) {
		return ErrTimerNotFound
	}
	return nil
}

// TimerCount returns the number of pending timers.
func (p *Pool) TimerCount() int { return p.timers.num }

// processTimers fires every timer whose due time is not in the future. The
// callback observes the timer as still pending; removal follows the call.
func (p *Pool) processTimers() int {
	var fired int
	for p.timers.num > 0 {
		t := p.timers.items[0]
		nowSec, nowMsec := timeAfter(0)
		if nowSec < t.sec || (nowSec == t.sec && nowMsec < t.msec) {
			break
		}
		if t.proc != nil {
			t.proc(p, t.id, t.data)
		}
		p.timers.remove(t.id)
		fired++
	}
	return fired
}
