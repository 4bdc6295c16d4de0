package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// 空闲超过该时长的令牌桶已回满，删除后重建不改变限流结果
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// limiterPool 为每个发送者维护独立的令牌桶，并定期清理空闲条目。
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	rps       float64
	burst     int
	idle      time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func newLimiterPool(rps float64, burst int, now func() time.Time) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	idle := limiterIdleTTL
	// 桶回满所需时间更长时以其为准
	if refill := time.Duration(float64(burst) / rps * float64(time.Second)); refill > idle {
		idle = refill
	}
	return &limiterPool{
		m:         make(map[string]*limiterEntry),
		rps:       rps,
		burst:     burst,
		idle:      idle,
		now:       now,
		lastSweep: now(),
	}
}

func (p *limiterPool) Allow(key string) bool {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.lastSweep) >= p.idle {
		p.sweep(now)
	}
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = e
	}
	e.seen = now
	return e.limiter.AllowN(now, 1)
}

// sweep drops entries idle for at least p.idle. Callers hold p.mu.
func (p *limiterPool) sweep(now time.Time) {
	for key, e := range p.m {
		if now.Sub(e.seen) >= p.idle {
			delete(p.m, key)
		}
	}
	p.lastSweep = now
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
