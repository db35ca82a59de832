package sandbox

import (
	"container/list"
	"sync"

	"github.com/expr-lang/expr/ast"
)

// DefaultCacheSize is how many checked expressions a Sandbox keeps.
const DefaultCacheSize = 1024

// treeCache is a least-recently-used map of checked expression trees.
type treeCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cachedTree struct {
	key  string
	node ast.Node
}

func newTreeCache(size int) *treeCache {
	if size < 1 {
		size = DefaultCacheSize
	}
	return &treeCache{
		max:     size,
		order:   list.New(),
		entries: make(map[string]*list.Element, size),
	}
}

func (c *treeCache) get(key string) (ast.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cachedTree).node, true
}

// add stores node unless key is already cached, and returns the cached tree.
func (c *treeCache) add(key string, node ast.Node) ast.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(cachedTree).node
	}
	c.entries[key] = c.order.PushFront(cachedTree{key: key, node: node})
	for c.order.Len() > c.max {
		tail := c.order.Back()
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cachedTree).key)
	}
	return node
}

func (c *treeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
