// Package dyn implements dynamical systems (neuron groups, synapses and networks of them) and the simulation
// of their evolution in time.
//
// A dynamical system is a base.Node that embeds DynamicalSystem and registers named step functions. Each step
// builds the update of the system's variables for one time step in a computation graph: updates are
// JIT-compiled once and executed for every time step.
//
// Example:
//
//	e := must.M1(dyn.NewLIF(80).Name("E").Done())
//	i := must.M1(dyn.NewLIF(20).Name("I").Done())
//	net := must.M1(dyn.NewNetwork("EINet", e, i))
//	runner := must.M1(dyn.NewRunner(net).
//		Monitors("E.Spike", "I.Spike").
//		Inputs(dyn.Input{Target: "E.Input", Value: 20.0}).
//		Done())
//	elapsed := must.M1(runner.Run(100))
//	spikes := must.M1(runner.Monitor().Get("E.Spike"))  // Shape [1000, 80].
package dyn

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/ml/base"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/gomlx/neurodyn/pkg/support/sets"
	"github.com/pkg/errors"
)

// StepFn builds one step of a dynamical system in the graph of t: t and dt are Float64 scalars with the
// current time and the time step.
//
// Steps read variables with model.Variable.ValueGraph and update them with model.Variable.SetValueGraph.
type StepFn func(t, dt *graph.Node)

// System is any node that embeds DynamicalSystem.
type System interface {
	base.Node
	BaseSystem() *DynamicalSystem
}

// DynamicalSystem is embedded by every dynamical system. It holds the named step functions of the system, in
// the order they were added.
//
// Systems must be initialized with Init after their steps are added.
type DynamicalSystem struct {
	base.Base

	steps []namedStep

	// self is the system embedding this DynamicalSystem, set by Init. Model walks start at that same pointer,
	// so it is never taken as a child of itself.
	self System

	mu     sync.Mutex
	update *model.Exec
}

type namedStep struct {
	name string
	fn   StepFn
}

// BaseSystem implements System.
func (ds *DynamicalSystem) BaseSystem() *DynamicalSystem { return ds }

// AddStep appends a named step function to the system. Step names must be unique within a system.
func (ds *DynamicalSystem) AddStep(name string, fn StepFn) error {
	if fn == nil {
		return errors.Errorf("step %q of system %q is nil", name, ds.Name())
	}
	if !base.IsIdentifier(name) {
		return errors.Wrapf(base.ErrInvalidName, "step name %q", name)
	}
	if slices.ContainsFunc(ds.steps, func(s namedStep) bool { return s.name == name }) {
		return errors.Errorf("step %q already defined for system %q", name, ds.Name())
	}
	ds.steps = append(ds.steps, namedStep{name: name, fn: fn})
	return nil
}

// StepNames returns the names of the steps of the system, in the order they are run.
func (ds *DynamicalSystem) StepNames() []string {
	names := make([]string, len(ds.steps))
	for ii, s := range ds.steps {
		names[ii] = s.name
	}
	return names
}

// Init assigns a unique name to the system (see base.Init) and binds its DynamicalSystem to it.
// Constructors of systems call it last.
func Init(sys System, name string) error {
	if err := base.Init(sys, name); err != nil {
		return err
	}
	sys.BaseSystem().self = sys
	return nil
}

// container is implemented by systems whose children systems are stepped along with them, see Network.
type container interface {
	containerSystem()
}

// buildSteps builds the steps of the system in the graph, followed by the steps of its children systems if it
// is a container. Systems already in visited are skipped, so each system is stepped at most once per time step.
func (ds *DynamicalSystem) buildSteps(t, dt *graph.Node, visited sets.Set[*DynamicalSystem]) {
	if visited.Has(ds) {
		return
	}
	visited.Insert(ds)
	if ds.self == nil {
		exceptions.Panicf("system %q was not initialized with dyn.Init", ds.Name())
	}
	for _, s := range ds.steps {
		s.fn(t, dt)
	}
	if _, ok := ds.self.(container); !ok {
		return
	}
	children, err := base.Children(ds.self)
	if err != nil {
		panic(errors.WithMessagef(err, "listing children of %q", ds.Name()))
	}
	for _, child := range children.All() {
		if sys, ok := child.(System); ok {
			sys.BaseSystem().buildSteps(t, dt, visited)
		}
	}
}

// Update runs one time step of the system, at time t with time step dt. The update is JIT-compiled the first
// time it is called.
func (ds *DynamicalSystem) Update(t, dt float64) error {
	if ds.self == nil {
		return errors.Errorf("system %q was not initialized with dyn.Init", ds.Name())
	}
	ds.mu.Lock()
	if ds.update == nil {
		exec, err := model.NewExec(func(g *graph.Graph, inputs []*graph.Node) []*graph.Node {
			ds.buildSteps(inputs[0], inputs[1], sets.Make[*DynamicalSystem]())
			return nil
		})
		if err != nil {
			ds.mu.Unlock()
			return err
		}
		ds.update = exec.SetName(ds.Name() + "_update")
	}
	update := ds.update
	ds.mu.Unlock()
	if _, err := update.Exec(t, dt); err != nil {
		return errors.WithMessagef(err, "updating system %q at t=%g", ds.Name(), t)
	}
	return nil
}

// MustUpdate is like Update, but panics on error.
func (ds *DynamicalSystem) MustUpdate(t, dt float64) {
	if err := ds.Update(t, dt); err != nil {
		panic(err)
	}
}
