package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// deduplicator 记录最近处理过的信封ID，过滤总线重复投递
type deduplicator struct {
	cache       sync.Map // key=uuid.UUID, value=time.Time
	count       atomic.Uint64
	cleanupMu   sync.Mutex
	lastCleanup time.Time
	ttl         time.Duration
}

func newDeduplicator(ttl time.Duration) *deduplicator {
	return &deduplicator{
		ttl:         ttl,
		lastCleanup: time.Now(),
	}
}

// seen 标记id已处理，窗口内已处理过时返回true
func (d *deduplicator) seen(id uuid.UUID) bool {
	now := time.Now()
	if v, loaded := d.cache.LoadOrStore(id, now); loaded {
		if now.Sub(v.(time.Time)) <= d.ttl {
			return true
		}
		d.cache.Store(id, now)
	}

	// 每处理100条尝试清理一次
	if d.count.Add(1)%100 == 0 {
		d.cleanExpired(now)
	}
	return false
}

func (d *deduplicator) cleanExpired(now time.Time) {
	if !d.cleanupMu.TryLock() {
		return
	}
	defer d.cleanupMu.Unlock()

	if now.Sub(d.lastCleanup) < d.ttl {
		return
	}
	d.lastCleanup = now

	d.cache.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > d.ttl {
			d.cache.Delete(key)
		}
		return true
	})
}

func (d *deduplicator) len() int {
	n := 0
	d.cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
