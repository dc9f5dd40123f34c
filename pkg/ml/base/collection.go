package base

import (
	"iter"
	"slices"
)

// Collection is an ordered map of nodes: setting an existing key replaces its node, but keeps its position.
type Collection struct {
	keys  []string
	nodes map[string]Node
}

// NewCollection returns an empty Collection.
func NewCollection() *Collection {
	return &Collection{nodes: make(map[string]Node)}
}

// Set the node for the key.
func (c *Collection) Set(key string, node Node) {
	if _, found := c.nodes[key]; !found {
		c.keys = append(c.keys, key)
	}
	c.nodes[key] = node
}

// Get the node for the key.
func (c *Collection) Get(key string) (Node, bool) {
	node, found := c.nodes[key]
	return node, found
}

// Len returns the number of nodes.
func (c *Collection) Len() int { return len(c.keys) }

// Keys in insertion order.
func (c *Collection) Keys() []string { return slices.Clone(c.keys) }

// All iterates over the keys and nodes, in insertion order.
func (c *Collection) All() iter.Seq2[string, Node] {
	return func(yield func(string, Node) bool) {
		for _, key := range c.keys {
			if !yield(key, c.nodes[key]) {
				return
			}
		}
	}
}
