package model

import (
	"iter"
	"slices"

	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/support/sets"
	"github.com/pkg/errors"
)

// Collector is an ordered collection of variables keyed by their path (or any other unique name).
//
// The zero value is not usable, create it with NewCollector.
type Collector struct {
	keys []string
	vars map[string]*Variable
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{vars: make(map[string]*Variable)}
}

// Add variable v with the given key. Adding the same variable with the same key again is a no-op, and
// reusing a key for a different variable is an error.
func (c *Collector) Add(key string, v *Variable) error {
	if v == nil {
		return errors.Errorf("cannot add nil variable with key %q", key)
	}
	if existing, found := c.vars[key]; found {
		if existing != v {
			return errors.Errorf("key %q already used by a different variable %s", key, existing)
		}
		return nil
	}
	c.keys = append(c.keys, key)
	c.vars[key] = v
	return nil
}

// MustAdd is like Add, but panics on error.
func (c *Collector) MustAdd(key string, v *Variable) *Collector {
	if err := c.Add(key, v); err != nil {
		panic(err)
	}
	return c
}

// Update adds all variables of other, in order.
func (c *Collector) Update(other *Collector) error {
	for key, v := range other.All() {
		if err := c.Add(key, v); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the variable for the key.
func (c *Collector) Get(key string) (*Variable, bool) {
	v, found := c.vars[key]
	return v, found
}

// Len returns the number of variables in the collection.
func (c *Collector) Len() int { return len(c.keys) }

// Keys in insertion order.
func (c *Collector) Keys() []string { return slices.Clone(c.keys) }

// Values in insertion order.
func (c *Collector) Values() []*Variable {
	values := make([]*Variable, len(c.keys))
	for ii, key := range c.keys {
		values[ii] = c.vars[key]
	}
	return values
}

// All iterates over key and variable pairs, in insertion order.
func (c *Collector) All() iter.Seq2[string, *Variable] {
	return func(yield func(string, *Variable) bool) {
		for _, key := range c.keys {
			if !yield(key, c.vars[key]) {
				return
			}
		}
	}
}

// Unique returns a new Collector where each variable appears only once, under the first key it was found.
func (c *Collector) Unique() *Collector {
	seen := sets.Make[*Variable](len(c.keys))
	unique := NewCollector()
	for key, v := range c.All() {
		if seen.Has(v) {
			continue
		}
		seen.Insert(v)
		unique.keys = append(unique.keys, key)
		unique.vars[key] = v
	}
	return unique
}

// Subset returns a new Collector with only the variables of the given kinds.
func (c *Collector) Subset(kinds ...Kind) *Collector {
	subset := NewCollector()
	for key, v := range c.All() {
		if slices.Contains(kinds, v.Kind()) {
			subset.keys = append(subset.keys, key)
			subset.vars[key] = v
		}
	}
	return subset
}

// TrainVars returns a new Collector with only the trainable variables.
func (c *Collector) TrainVars() *Collector {
	return c.Subset(KindTrainVar)
}

// WithPrefix returns a new Collector with the keys prefixed by prefix.
func (c *Collector) WithPrefix(prefix string) *Collector {
	prefixed := NewCollector()
	for key, v := range c.All() {
		newKey := prefix + key
		prefixed.keys = append(prefixed.keys, newKey)
		prefixed.vars[newKey] = v
	}
	return prefixed
}

// Snapshot returns the current values of all variables, keyed by their keys.
func (c *Collector) Snapshot() map[string]*tensors.Tensor {
	values := make(map[string]*tensors.Tensor, len(c.keys))
	for key, v := range c.All() {
		values[key] = v.Value()
	}
	return values
}

// Assign sets the variables with the values given for their keys. Keys not in the collection are errors,
// and variables without a value in values are left untouched.
//
// If any value fails to be set (e.g.: wrong shape), the variables assigned so far are restored to their
// previous values.
func (c *Collector) Assign(values map[string]*tensors.Tensor) error {
	previous := make(map[string]*tensors.Tensor, len(values))
	restore := func() {
		for key, value := range previous {
			_ = c.vars[key].SetValue(value)
		}
	}
	for _, key := range sortedKeys(values) {
		v, found := c.vars[key]
		if !found {
			restore()
			return errors.Errorf("key %q not found in collection", key)
		}
		previous[key] = v.Value()
		if err := v.SetValue(values[key]); err != nil {
			restore()
			return errors.WithMessagef(err, "assigning key %q", key)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
