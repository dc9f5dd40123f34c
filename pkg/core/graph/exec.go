// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExecGraphFn is a type parameter for accepted function types for NewExec constructor.
type ExecGraphFn interface {
	func(*Graph) *Node |
		func(*Node) *Node |
		func(*Node, *Node) *Node |
		func(*Node, *Node, *Node) *Node |
		func(*Node, *Node, *Node, *Node) *Node |
		func([]*Node) *Node |

		// With 2 outputs
		func(*Graph) (*Node, *Node) |
		func(*Node) (*Node, *Node) |
		func(*Node, *Node) (*Node, *Node) |
		func(*Node, *Node, *Node) (*Node, *Node) |
		func([]*Node) (*Node, *Node) |

		// With slice of nodes as output.
		func(*Graph) []*Node |
		func(*Node) []*Node |
		func(*Node, *Node) []*Node |
		func(*Node, *Node, *Node) []*Node |
		func([]*Node) []*Node |

		// With the graph and a slice of the inputs: works also when there are zero inputs.
		func(*Graph, []*Node) []*Node
}

// SideParamsFn is the function that sets side parameters during execution
// for Graphs that define those. Typically, this is used to set the variables.
type SideParamsFn func(g *Graph, params []*tensors.Tensor)

// DefaultExecMaxCacheSize is the default number of different graphs (one per set of input shapes) an Exec
// will create and cache.
const DefaultExecMaxCacheSize = 32

// Exec creates and executes computation graphs as needed
// based on the inputs shapes.
//
// It simplifies the process of executing a graph building
// function with real values. For example, assume you wrote:
//
//	func LengthGraph(x *Node) *Node {
//	  return Sqrt(ReduceAllSum(Mul(x, x)))
//	}
//
// With Exec one can do:
//
//	var Length = NewExec(LengthGraph)
//	x0 := []float32{4}
//	fmt.Printf("Length(%v) = %v\n", x0, Length.Call(x0)[0].Value())
//	x1 := []float64{1, 2, 3}
//	fmt.Printf("Length(%v) = %v\n", x1, Length.Call(x1)[0].Value())
//
// Notice that both calls to Length.Call will need to create different
// graphs (for different shapes of the input), but they will be cached,
// and if the same shapes are used in Call again, the cached compiled graph
// is reused.
//
// The need to build different graphs for different shapes can be expensive
// when sizes of the inputs varies a lot. For safety there is a maximum number of different
// instantiations of the graph. It can be set or disabled with SetMaxCache.
//
// Exec is safe for concurrent use.
type Exec struct {
	graphFn                     any
	numInputs, numOutputs       int
	inputAsSlice, outputAsSlice bool
	inputIsGraph                bool
	inputIsGraphAndSlice        bool
	name                        string

	// maxCacheSize: if more than these different graph instantiations are
	// created, Exec starts returning errors.
	maxCacheSize int

	// setSideParams for graphs that take them.
	setSideParams SideParamsFn

	// Protects cache structure.
	cacheMu sync.Mutex
	cache   []*execCacheEntry
}

// execCacheEntry: no hashing, just a simple list. This is faster
// for smaller tables.
type execCacheEntry struct {
	argsShapes []shapes.Shape
	graph      *Graph
}

var (
	nodeType  = reflect.TypeOf((*Node)(nil))
	graphType = reflect.TypeOf((*Graph)(nil))
)

// NewExecAny constructs an Exec object that uses the given graphFn to build
// computation graphs. graphFn take only *Node parameters as input and
// return one or more *Node. Except if there are no inputs, in which case graphFn
// needs to take a *Graph as the first parameter.
//
// If any input or output parameter of graphFn is not a *Node (or *Graph is there are no inputs),
// or if there are no inputs or outputs, it returns an error.
func NewExecAny(graphFn any) (*Exec, error) {
	graphFnT := reflect.TypeOf(graphFn)
	if graphFnT == nil || graphFnT.Kind() != reflect.Func {
		return nil, errors.Errorf("graphFn must be a function, got %T", graphFn)
	}
	e := &Exec{
		name:         execName(graphFn),
		graphFn:      graphFn,
		numInputs:    graphFnT.NumIn(),
		numOutputs:   graphFnT.NumOut(),
		maxCacheSize: DefaultExecMaxCacheSize,
	}

	if graphFnT.NumIn() < 1 || graphFnT.NumOut() < 1 {
		return nil, errors.Errorf("not enough input (%d)/output (%d) parameters, both need to be > 0",
			graphFnT.NumIn(), graphFnT.NumOut())
	}
	nodeSliceType := reflect.SliceOf(nodeType)
	switch {
	case graphFnT.NumIn() == 2 && graphFnT.In(0) == graphType && graphFnT.In(1) == nodeSliceType:
		e.inputIsGraphAndSlice = true
	case graphFnT.NumIn() == 1 && graphFnT.In(0) == nodeSliceType:
		e.inputAsSlice = true
	case graphFnT.NumIn() == 1 && graphFnT.In(0) == graphType:
		e.inputIsGraph = true
		e.numInputs = 0
	default:
		for ii := range graphFnT.NumIn() {
			if graphFnT.In(ii) != nodeType {
				return nil, errors.Errorf("input parameter %d is not of type *Node, got function type %s", ii, graphFnT)
			}
		}
	}
	for ii := range graphFnT.NumOut() {
		if graphFnT.Out(ii) == nodeSliceType {
			if graphFnT.NumOut() != 1 {
				return nil, errors.Errorf("[]*Node parameters are only accepted as output if they are the "+
					"only output, got function type %s instead", graphFnT)
			}
			e.outputAsSlice = true
			break
		}
		if graphFnT.Out(ii) != nodeType {
			return nil, errors.Errorf("output parameter %d is not of type *Node", ii)
		}
	}
	return e, nil
}

// execName returns the name of the function, or a unique name for anonymous closures.
func execName(graphFn any) string {
	funcName := runtime.FuncForPC(reflect.ValueOf(graphFn).Pointer()).Name()
	if idx := strings.LastIndex(funcName, "."); idx >= 0 && strings.HasPrefix(funcName[idx+1:], "func") {
		return fmt.Sprintf("Exec:%s", uuid.NewString()[:8])
	}
	return fmt.Sprintf("Exec:%s", funcName)
}

// NewExec constructs an Exec object that uses the given graphFn to build
// computation graphs. graphFn should take *Node as input and return a *Node.
// It's a wrapper for NewExecAny, but uses generics to type check that
// graphFn is valid.
func NewExec[F ExecGraphFn](graphFn F) *Exec {
	e, err := NewExecAny(graphFn)
	if err != nil {
		// This shouldn't happen for known types.
		exceptions.Panicf("invalid graphFn of type %T, resulted in error: %+v", graphFn, err)
	}
	return e
}

// SetName sets the name of Exec, used to provide the name to graphs created.
// This should be called before any invocations of Exec or Call.
// It returns a reference to itself so calls can be cascaded.
func (e *Exec) SetName(name string) *Exec {
	e.name = name
	return e
}

// Name returns the Exec name, a string used as prefix for Graph construction.
func (e *Exec) Name() string {
	return e.name
}

// SetMaxCache sets the maximum size of the cache.
// Set it to -1 to have unlimited cache size.
// It returns a reference to itself so calls can be cascaded.
func (e *Exec) SetMaxCache(maxCacheSize int) *Exec {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.maxCacheSize = maxCacheSize
	return e
}

// SetSideParamsHook makes Exec call the given function everytime
// before executing a graph with the list of parameters.
//
// Side parameters are parameters created by the graphFn itself,
// and are not passed to it as input parameters. These could
// be variables in a model, or some global values. Exec
// has no knowledge of them, hence cannot set their values,
// and this serves as a hook to set them up just before
// the graph is executed.
//
// The function is called anyway, even if there are no
// side parameters to be set, so it can be used as a hook
// just before graph execution.
//
// The first elements of params are the input arguments, and they will be filled
// already with the correct values.
func (e *Exec) SetSideParamsHook(fn SideParamsFn) *Exec {
	e.setSideParams = fn
	return e
}

// NumCachedGraphs returns the number of graphs built and cached so far.
func (e *Exec) NumCachedGraphs() int {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return len(e.cache)
}

// Exec parses the arguments into tensors (if they are not yet) and executes
// the graph corresponding to the shapes of the arguments. If a graph does
// not yet exist one is created, compiled and cached for the shapes.
//
// It returns the outputs in a slice, even if there is only one output, or an error if the graph
// failed to build or execute.
func (e *Exec) Exec(args ...any) ([]*tensors.Tensor, error) {
	outputs, _, err := e.ExecWithGraph(args...)
	return outputs, err
}

// Exec1 executes the graph and returns its only output.
func (e *Exec) Exec1(args ...any) (*tensors.Tensor, error) {
	outputs, err := e.Exec(args...)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.Errorf("%q returned %d outputs, Exec1 expects exactly one", e.name, len(outputs))
	}
	return outputs[0], nil
}

// Call is like Exec, but panics with an error in case of failure.
func (e *Exec) Call(args ...any) []*tensors.Tensor {
	outputs, err := e.Exec(args...)
	if err != nil {
		panic(err)
	}
	return outputs
}

// ExecWithGraph is similar to Exec, but it also returns the computation graph used
// in the call. Since Exec creates different computation graphs for different set of
// parameters, this can help disambiguate in case the user needs to use the Graph for
// something else.
//
// Notice the returned *Graph may be nil, if it failed to parse the arguments or to build
// the corresponding computation graph.
func (e *Exec) ExecWithGraph(args ...any) ([]*tensors.Tensor, *Graph, error) {
	if !e.inputAsSlice && !e.inputIsGraphAndSlice && len(args) != e.numInputs {
		return nil, nil, errors.Errorf(
			"# of arguments to call (%d) don't match # arguments to graph function (%d) for %q",
			len(args), e.numInputs, e.Name())
	}

	// Convert args to tensors.
	argsShapes := make([]shapes.Shape, 0, len(args))
	params := make([]*tensors.Tensor, 0, len(args)) // There may be more parameters, set with Exec.setSideParams later.
	for ii, arg := range args {
		t, err := tensors.FromValueSafe(arg)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "converting argument #%d of %q", ii, e.Name())
		}
		params = append(params, t)
		argsShapes = append(argsShapes, t.Shape())
	}

	// Get or build the graph.
	entry, err := e.findCacheEntry(argsShapes)
	if err != nil {
		return nil, nil, err
	}
	g := entry.graph

	// Set extra input parameters created by the graph.
	if g.NumParameters() > len(args) {
		tmp := make([]*tensors.Tensor, g.NumParameters())
		copy(tmp, params)
		params = tmp
	}
	if e.setSideParams != nil {
		e.setSideParams(g, params)
	}
	for ii, t := range params {
		if t == nil || !t.Ok() {
			return nil, g, errors.Errorf("parameter %d (%q) is nil or invalid, maybe a variable value not set "+
				"as a parameter, cannot execute graph", ii, g.parameters[ii].ParameterName())
		}
	}

	outputs, err := g.Run(params...)
	if err != nil {
		return nil, g, errors.WithMessagef(err, "failed to execute %q", e.Name())
	}
	return outputs, g, nil
}

// findCacheEntry returns the graph for the given arguments shapes, building one if it doesn't exist yet.
func (e *Exec) findCacheEntry(argsShapes []shapes.Shape) (*execCacheEntry, error) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

LoopCache:
	for _, entry := range e.cache {
		if len(argsShapes) != len(entry.argsShapes) {
			continue
		}
		for ii, shape := range argsShapes {
			if !shape.Equal(entry.argsShapes[ii]) {
				continue LoopCache
			}
		}
		return entry, nil
	}

	// No graph in cache, create a new one.
	if e.maxCacheSize >= 0 && len(e.cache) >= e.maxCacheSize {
		return nil, errors.Errorf(
			"maximum cache size of %d reached for %q, cannot create another graph -- "+
				"a new computation graph needs to be created+compiled for each different shape of "+
				"the input, consider using padding, or if this is not a concern change "+
				"the cache size with exec.SetMaxCache()", e.maxCacheSize, e.Name())
	}
	var entry *execCacheEntry
	err := exceptions.TryCatch[error](func() { entry = e.createGraph(argsShapes) })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build %q computation graph", e.Name())
	}
	e.cache = append(e.cache, entry)
	return entry, nil
}

// createGraph creates and compiles the graph for the arguments with the given
// shapes. It panics with an error if the graph building function fails.
//
// Should be called with cacheMu locked.
func (e *Exec) createGraph(argsShapes []shapes.Shape) *execCacheEntry {
	entry := &execCacheEntry{graph: NewGraph(fmt.Sprintf("%s#%d", e.name, len(e.cache)))}
	g := entry.graph
	args := make([]*Node, 0, len(argsShapes))
	for ii, shape := range argsShapes {
		args = append(args, g.Parameter(fmt.Sprintf("arg#%d", ii), shape))
	}
	var argsV []reflect.Value
	switch {
	case e.inputIsGraphAndSlice:
		argsV = []reflect.Value{reflect.ValueOf(g), reflect.ValueOf(args)}
	case e.inputAsSlice:
		argsV = []reflect.Value{reflect.ValueOf(args)}
	case e.inputIsGraph:
		argsV = []reflect.Value{reflect.ValueOf(g)}
	default:
		for _, arg := range args {
			argsV = append(argsV, reflect.ValueOf(arg))
		}
	}

	outputsV := reflect.ValueOf(e.graphFn).Call(argsV)
	var outputs []*Node
	if e.outputAsSlice {
		outputs = outputsV[0].Interface().([]*Node)
	} else {
		outputs = make([]*Node, 0, len(outputsV))
		for _, outV := range outputsV {
			outputs = append(outputs, outV.Interface().(*Node))
		}
	}
	g.Compile(outputs...)
	klog.V(2).Infof("%s: built graph for shapes %v", e.name, argsShapes)
	entry.argsShapes = argsShapes
	return entry
}

// Finalize clears the cache. The Exec object can still be used, but graphs will be rebuilt.
func (e *Exec) Finalize() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.cache = nil
}
