package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager is an LRU cache of decoded image planes, safe for concurrent
// use and shareable between loaders. Cached slices must not be modified.
type CacheManager struct {
	mu          sync.Mutex
	cache       map[string][]float32
	lru         *list.List
	lruMap      map[string]*list.Element
	maxSize     int
	currentSize int
	itemSize    int // float32 elements per item, 0 accepts any length

	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding at most maxSize items.
func NewCacheManager(maxSize int, itemSize int) *CacheManager {
	if maxSize < 1 {
		maxSize = 1
	}
	return &CacheManager{
		cache:    make(map[string][]float32),
		lru:      list.New(),
		lruMap:   make(map[string]*list.Element),
		maxSize:  maxSize,
		itemSize: itemSize,
	}
}

// Key identifies one decoded rendition of an image file.
func Key(path string, size int, invert bool) string {
	return fmt.Sprintf("%s@%d/%t", path, size, invert)
}

// Get retrieves an item and marks it most recently used.
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if data, exists := cm.cache[key]; exists {
		cm.lru.MoveToFront(cm.lruMap[key])
		cm.hits++
		return data, true
	}
	cm.misses++
	return nil, false
}

// Put adds an item, evicting the least recently used entries when full.
func (cm *CacheManager) Put(key string, data []float32) error {
	if cm.itemSize > 0 && len(data) != cm.itemSize {
		return fmt.Errorf("cache item %s has %d values, expected %d", key, len(data), cm.itemSize)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, exists := cm.lruMap[key]; exists {
		cm.cache[key] = data
		cm.lru.MoveToFront(elem)
		return nil
	}

	cm.lruMap[key] = cm.lru.PushFront(key)
	cm.cache[key] = data
	cm.currentSize++

	for cm.currentSize > cm.maxSize {
		cm.removeElement(cm.lru.Back())
	}
	return nil
}

func (cm *CacheManager) removeElement(elem *list.Element) {
	key := elem.Value.(string)
	cm.lru.Remove(elem)
	delete(cm.lruMap, key)
	delete(cm.cache, key)
	cm.currentSize--
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.currentSize,
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear drops every item. Statistics stay cumulative.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[string][]float32)
	cm.lru = list.New()
	cm.lruMap = make(map[string]*list.Element)
	cm.currentSize = 0
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
