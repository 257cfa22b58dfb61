package scoring

import (
	"container/list"
	"sync"
)

// Loader reads a score model from path.
type Loader func(path string) (*Model, error)

// ModelCache is an LRU of loaded score models keyed by path. Callers own it
// and pass it to whatever needs score models.
type ModelCache struct {
	capacity int
	load     Loader
	cache    map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	path  string
	model *Model
}

// NewModelCache creates a cache holding at most capacity models. A nil
// loader means LoadModel.
func NewModelCache(capacity int, load Loader) *ModelCache {
	if capacity <= 0 {
		capacity = 1
	}
	if load == nil {
		load = LoadModel
	}
	return &ModelCache{
		capacity: capacity,
		load:     load,
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the model at path, loading it on a miss and evicting the least
// recently used model if at capacity.
func (c *ModelCache) Get(path string) (*Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[path]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry).model, nil
	}
	m, err := c.load(path)
	if err != nil {
		return nil, err
	}
	elem := c.lru.PushFront(&cacheEntry{path: path, model: m})
	c.cache[path] = elem

	if c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).path)
		}
	}
	return m, nil
}

// Len returns the number of cached models.
func (c *ModelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
