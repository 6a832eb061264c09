package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	limiterIdleExpiry = 10 * time.Minute
	limiterSweepEvery = 5 * time.Minute
)

// LimitReason describes why a connection was rejected.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// ConnectionLimits caps concurrent sessions per instance and per IP, and the rate of new
// sessions per IP.
type ConnectionLimits struct {
	clock     clockwork.Clock
	globalMax int64
	global    atomic.Int64
	perIPMax  int
	rate      rate.Limit
	burst     int

	mu       sync.Mutex
	perIP    map[string]int
	limiters map[string]*rateEntry
	sweepAt  time.Time
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewConnectionLimits(clock clockwork.Clock, globalMax int64, perIPMax int, perSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		clock:     clock,
		globalMax: globalMax,
		perIPMax:  perIPMax,
		rate:      rate.Limit(perSecond),
		burst:     burst,
		perIP:     make(map[string]int),
		limiters:  make(map[string]*rateEntry),
		sweepAt:   clock.Now().Add(limiterSweepEvery),
	}
}

// Acquire reserves a slot for ip. On success the caller must Release it.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.sweepAt) {
		l.sweep(now)
		l.sweepAt = now.Add(limiterSweepEvery)
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	if !entry.limiter.AllowN(now, 1) {
		return false, LimitReasonRate
	}

	if l.global.Load() >= l.globalMax {
		return false, LimitReasonGlobal
	}
	if l.perIP[ip] >= l.perIPMax {
		return false, LimitReasonPerIP
	}

	l.global.Add(1)
	l.perIP[ip]++
	return true, ""
}

// Release frees a slot acquired for ip.
func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.perIP[ip]; count > 0 {
		l.global.Add(-1)
		if count == 1 {
			delete(l.perIP, ip)
		} else {
			l.perIP[ip] = count - 1
		}
	}
}

// Current returns the number of held slots.
func (l *ConnectionLimits) Current() int64 { return l.global.Load() }

// sweep drops idle rate limiters. Must be called with mu held.
func (l *ConnectionLimits) sweep(now time.Time) {
	cutoff := now.Add(-limiterIdleExpiry)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}
