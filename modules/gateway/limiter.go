package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTimeout = 10 * time.Minute

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterPool hands out one token bucket per caller identity. Buckets refill
// continuously at rpm/60 per second with a burst of one minute's allowance.
// Idle identities are evicted so the map cannot grow without bound.
type limiterPool struct {
	mtx sync.Mutex
	rpm int
	m   map[string]*limiterEntry
	now func() time.Time
}

func newLimiterPool(rpm int) *limiterPool {
	return &limiterPool{
		rpm: rpm,
		m:   make(map[string]*limiterEntry),
		now: time.Now,
	}
}

// allow reports whether identity may make one request now. A batch consumes
// a single token regardless of its sample count.
func (p *limiterPool) allow(identity string) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	e, ok := p.m[identity]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(float64(p.rpm)/60.0), p.rpm)}
		p.m[identity] = e
	}
	e.lastSeen = p.now()
	return e.lim.AllowN(e.lastSeen, 1)
}

// gc evicts identities idle longer than limiterIdleTimeout and returns how
// many were dropped.
func (p *limiterPool) gc() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	cutoff := p.now().Add(-limiterIdleTimeout)
	dropped := 0
	for id, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, id)
			dropped++
		}
	}
	return dropped
}

func (p *limiterPool) size() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.m)
}
