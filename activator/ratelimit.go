package activator

import (
	"sync"
	"time"

	"github.com/INLOpen/nexuslog/utils"
)

// logLimiter admits at most one log line per interval. The reconfiguration
// loop can visit thousands of logs per pass; without this a flapping config
// floods the log.
type logLimiter struct {
	clock    utils.Clock
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func newLogLimiter(clock utils.Clock, interval time.Duration) *logLimiter {
	return &logLimiter{clock: clock, interval: interval}
}

// allow reports whether a line may be emitted now.
func (l *logLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if !l.last.IsZero() && now.Sub(l.last) < l.interval {
		return false
	}
	l.last = now
	return true
}
