package asyncetcd

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// workerLog wraps the configured logger with per-category rate limiting, so
// a wedged endpoint repeating the same failure cannot flood the log from the
// worker's hot path.
type workerLog struct {
	log     *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
}

func newWorkerLog(log *logiface.Logger[logiface.Event]) workerLog {
	var limiter *catrate.Limiter
	if log != nil {
		limiter = catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		})
	}
	return workerLog{log: log, limiter: limiter}
}

// warn starts a rate-limited warning, returning nil (a no-op builder) when
// logging is disabled or the category is over its rate.
func (l workerLog) warn(category string) *logiface.Builder[logiface.Event] {
	if l.log == nil {
		return nil
	}
	if _, ok := l.limiter.Allow(category); !ok {
		return nil
	}
	return l.log.Warning()
}

// debug starts an unlimited debug-level entry.
func (l workerLog) debug() *logiface.Builder[logiface.Event] {
	if l.log == nil {
		return nil
	}
	return l.log.Debug()
}

// info starts an unlimited info-level entry.
func (l workerLog) info() *logiface.Builder[logiface.Event] {
	if l.log == nil {
		return nil
	}
	return l.log.Info()
}
