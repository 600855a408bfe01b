package pipeline

import (
	"sync"

	"aspacesort/pkg/contract"
)

// positionCache: 运行期内的祖先 position 缓存（仅内存，进程结束即丢弃）。
// nil position 同样缓存，以免对缺失 position 的祖先重复读取。
type positionCache struct {
	mu sync.RWMutex
	m  map[contract.RecordRef]*int64
}

func newPositionCache() *positionCache {
	return &positionCache{m: make(map[contract.RecordRef]*int64)}
}

func (c *positionCache) get(ref contract.RecordRef) (*int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.m[ref]
	return p, ok
}

func (c *positionCache) put(ref contract.RecordRef, p *int64) {
	c.mu.Lock()
	c.m[ref] = p
	c.mu.Unlock()
}
