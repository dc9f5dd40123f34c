package dyn

import (
	"iter"
	"slices"
	"time"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(r *Runner) error

// OnStepFn is the type of OnStep hooks. Runner.Step holds the step just executed.
type OnStepFn func(r *Runner) error

// OnEndFn is the type of OnEnd hooks, called with the running time of the run.
type OnEndFn func(r *Runner, elapsed time.Duration) error

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks per priority.
type priorityHooks[F any] struct {
	hooks map[Priority][]*hookWithName[F]
}

func newPriorityHooks[F any]() *priorityHooks[F] {
	return &priorityHooks[F]{hooks: make(map[Priority][]*hookWithName[F])}
}

// Add hook at the given priority. A hook with the same name is replaced.
func (h *priorityHooks[F]) Add(name string, priority Priority, fn F) {
	for p, list := range h.hooks {
		h.hooks[p] = slices.DeleteFunc(list, func(hook *hookWithName[F]) bool { return hook.name == name })
	}
	h.hooks[priority] = append(h.hooks[priority], &hookWithName[F]{name: name, fn: fn})
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[F]) All() iter.Seq[*hookWithName[F]] {
	return func(yield func(*hookWithName[F]) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of each run.
func (r *Runner) OnStart(name string, priority Priority, fn OnStartFn) {
	r.onStart.Add(name, priority, fn)
}

// OnStep adds a hook with given priority and name (for error reporting), called after each time step,
// once the monitors recorded it.
func (r *Runner) OnStep(name string, priority Priority, fn OnStepFn) {
	r.onStep.Add(name, priority, fn)
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of each run. OnEnd hooks are
// also called when the run fails after it started.
func (r *Runner) OnEnd(name string, priority Priority, fn OnEndFn) {
	r.onEnd.Add(name, priority, fn)
}
