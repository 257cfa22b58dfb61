package classify

import (
	"strings"
	"sync"
)

// Loader reads the classifier in dir.
type Loader func(dir string, categories []string) (*Classifier, error)

// Cache holds loaded classifiers keyed by directory and category list, so a
// changed categories.json loads the head again. Callers own it.
type Cache struct {
	load    Loader
	mu      sync.Mutex
	entries map[string]*Classifier
}

// NewCache returns an empty cache. A nil loader means Load.
func NewCache(load Loader) *Cache {
	if load == nil {
		load = Load
	}
	return &Cache{load: load, entries: make(map[string]*Classifier)}
}

func cacheKey(dir string, categories []string) string {
	return dir + "\x00" + strings.Join(categories, "\x00")
}

// Get returns the classifier for (dir, categories), loading it on a miss. An
// entry for dir under other categories is dropped.
func (c *Cache) Get(dir string, categories []string) (*Classifier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(dir, categories)
	if cl, ok := c.entries[key]; ok {
		return cl, nil
	}
	cl, err := c.load(dir, categories)
	if err != nil {
		return nil, err
	}
	for k, old := range c.entries {
		if old.Dir == dir {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cl
	return cl, nil
}

// Len returns the number of cached classifiers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
