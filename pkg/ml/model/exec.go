package model

import (
	"reflect"
	"runtime"
	"sync"

	"github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/support/sets"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BuilderFnSet lists the function signatures accepted by NewExec.
//
// Builders may take a *graph.Graph as a first argument, followed by zero or more *graph.Node arguments (or a
// "...*graph.Node"/"[]*graph.Node" argument), and return zero or more *graph.Node, or a []*graph.Node.
type BuilderFnSet interface {
	func(*graph.Graph) |
		func(*graph.Graph) *graph.Node |
		func(*graph.Graph) (*graph.Node, *graph.Node) |
		func(*graph.Graph) []*graph.Node |
		func(*graph.Graph, *graph.Node) *graph.Node |
		func(*graph.Graph, *graph.Node) []*graph.Node |
		func(*graph.Graph, []*graph.Node) []*graph.Node |
		func(*graph.Graph, ...*graph.Node) []*graph.Node |
		func(*graph.Node) |
		func(*graph.Node) *graph.Node |
		func(*graph.Node) (*graph.Node, *graph.Node) |
		func(*graph.Node) []*graph.Node |
		func(*graph.Node, *graph.Node) *graph.Node |
		func(*graph.Node, *graph.Node) (*graph.Node, *graph.Node) |
		func(*graph.Node, *graph.Node) []*graph.Node |
		func(*graph.Node, *graph.Node, *graph.Node) *graph.Node |
		func(*graph.Node, *graph.Node, *graph.Node) []*graph.Node |
		func(...*graph.Node) |
		func(...*graph.Node) *graph.Node |
		func(...*graph.Node) []*graph.Node |
		func([]*graph.Node) []*graph.Node
}

// normalizedBuilderFn is the canonical form all builder functions are converted to.
type normalizedBuilderFn func(g *graph.Graph, inputs []*graph.Node) []*graph.Node

var (
	nodeType      = reflect.TypeOf((*graph.Node)(nil))
	nodeSliceType = reflect.SliceOf(nodeType)
	graphType     = reflect.TypeOf((*graph.Graph)(nil))
)

// convertToNormalizedBuilderFn converts any builder function to the normalizedBuilderFn form.
// It returns the number of inputs (-1 for a variable number) and the number of outputs (-1 if a slice).
func convertToNormalizedBuilderFn(builderFn any) (fn normalizedBuilderFn, numInputs, numOutputs int, err error) {
	fnV := reflect.ValueOf(builderFn)
	fnT := fnV.Type()
	if fnT.Kind() != reflect.Func {
		err = errors.Errorf("builderFn must be a function, got %T", builderFn)
		return
	}
	takesGraph := fnT.NumIn() > 0 && fnT.In(0) == graphType
	firstNode := 0
	if takesGraph {
		firstNode = 1
	}
	inputsAsSlice := false
	numInputs = fnT.NumIn() - firstNode
	for ii := firstNode; ii < fnT.NumIn(); ii++ {
		switch fnT.In(ii) {
		case nodeType:
		case nodeSliceType:
			if ii != fnT.NumIn()-1 {
				err = errors.Errorf("builderFn %s: []*Node is only accepted as the last input", fnT)
				return
			}
			inputsAsSlice = true
			numInputs = -1
		default:
			err = errors.Errorf("builderFn %s: input #%d must be *graph.Node", fnT, ii)
			return
		}
	}
	if inputsAsSlice && fnT.NumIn()-firstNode != 1 {
		err = errors.Errorf("builderFn %s: []*Node can't be combined with other *Node inputs", fnT)
		return
	}
	if !takesGraph && numInputs == 0 {
		err = errors.Errorf("builderFn %s takes no inputs, it must then take a *graph.Graph", fnT)
		return
	}
	outputsAsSlice := false
	numOutputs = fnT.NumOut()
	for ii := range fnT.NumOut() {
		switch fnT.Out(ii) {
		case nodeType:
		case nodeSliceType:
			if fnT.NumOut() != 1 {
				err = errors.Errorf("builderFn %s: []*Node is only accepted as the only output", fnT)
				return
			}
			outputsAsSlice = true
			numOutputs = -1
		default:
			err = errors.Errorf("builderFn %s: output #%d must be *graph.Node", fnT, ii)
			return
		}
	}

	fn = func(g *graph.Graph, inputs []*graph.Node) []*graph.Node {
		args := make([]reflect.Value, 0, len(inputs)+1)
		if takesGraph {
			args = append(args, reflect.ValueOf(g))
		}
		var results []reflect.Value
		if inputsAsSlice {
			if inputs == nil {
				inputs = []*graph.Node{}
			}
			args = append(args, reflect.ValueOf(inputs))
			if fnT.IsVariadic() {
				results = fnV.CallSlice(args)
			} else {
				results = fnV.Call(args)
			}
		} else {
			for _, input := range inputs {
				args = append(args, reflect.ValueOf(input))
			}
			results = fnV.Call(args)
		}
		if outputsAsSlice {
			return results[0].Interface().([]*graph.Node)
		}
		outputs := make([]*graph.Node, len(results))
		for ii, result := range results {
			outputs[ii] = result.Interface().(*graph.Node)
		}
		return outputs
	}
	return
}

// Exec is an executor of models. It works like graph.Exec, but it handles models variables, passing them
// automatically as "side inputs" to the graph -- or as "side outputs" if they are updated in the graph.
//
// Variables are only updated after a successful execution: if building or executing the graph fails, all
// variables keep the values they had before the call.
type Exec struct {
	exec                                *graph.Exec
	numBuilderInputs, numBuilderOutputs int

	// mu protects per-graph information: since there may be different concurrent executions,
	// creating different graphs.
	mu sync.Mutex

	// Graphs created by this executor: it is a pointer, so we can clean up on garbage collection
	// (runtime.AddCleanup requires a pointer).
	graphs *sets.Set[graph.GraphId]

	// List of variables used per graph built, both as input and as output (if they were modified), and
	// the number of outputs of the builder function.
	sideInputs, sideOutputs map[graph.GraphId][]*Variable
	numOutputs              map[graph.GraphId]int
}

// NewExec creates a new Exec (executor) object taking a builderFn that builds the model's computation graph.
//
// Once the model executor is built, use it with Exec.Exec (or Exec.Call to panic on errors).
// Or their variations Exec.Exec1, Exec.Exec2, ..., Exec.Call1, Exec.Call2, etc.
//
// Examples of valid builderFn functions or methods (methods can be passed and Go will create a closure for them):
//
//	func (lif *LIF) Step(g *graph.Graph) { ... }
//	stepExec, err := model.NewExec(lif.Step)
//
//	func Statistics(x *Node) (mean, variance *Node) {...}
//	statsExec, err := model.NewExec(Statistics)
//
// If you are only going to execute the model/function once, you can use ExecOnce.
func NewExec[B BuilderFnSet](builderFn B) (*Exec, error) {
	return NewExecAny(builderFn)
}

// NewExecAny is like NewExec, but builderFn signature is only checked at runtime.
func NewExecAny(builderFn any) (*Exec, error) {
	graphsSet := sets.Make[graph.GraphId]()
	e := &Exec{
		graphs:      &graphsSet,
		sideInputs:  make(map[graph.GraphId][]*Variable),
		sideOutputs: make(map[graph.GraphId][]*Variable),
		numOutputs:  make(map[graph.GraphId]int),
	}
	canonicalBuilderFn, numInputs, numOutputs, err := convertToNormalizedBuilderFn(builderFn)
	if err != nil {
		return nil, err
	}
	e.numBuilderInputs, e.numBuilderOutputs = numInputs, numOutputs

	// Variable values are passed as "side inputs" to the graph.
	e.exec = graph.NewExec(func(g *graph.Graph, inputs []*graph.Node) []*graph.Node {
		gID := g.GraphId()
		e.registerGraphId(gID)
		defer func() {
			if r := recover(); r != nil {
				// Graph failed to build: release variables' views of it.
				e.unregisterGraphId(gID)
				panic(r)
			}
		}()
		outputs := canonicalBuilderFn(g, inputs)
		return e.appendSideOutputs(g, outputs)
	})
	e.exec.SetSideParamsHook(e.setSideParams)

	// Add cleanup functions to resources that would not be otherwise released.
	runtime.AddCleanup(e, func(registeredGraphIDs *sets.Set[graph.GraphId]) {
		for gID := range *registeredGraphIDs {
			removeGraphIds(gID)
		}
	}, e.graphs)
	return e, nil
}

// MustNewExec is like NewExec, but panics on error.
func MustNewExec[B BuilderFnSet](builderFn B) *Exec {
	return must.M1(NewExec(builderFn))
}

// SetName of the executor, used for the graphs it builds.
func (e *Exec) SetName(name string) *Exec {
	e.exec.SetName(name)
	return e
}

// SetMaxCache sets the maximum number of graphs (one per set of input shapes) built. -1 means unlimited.
func (e *Exec) SetMaxCache(maxCacheSize int) *Exec {
	e.exec.SetMaxCache(maxCacheSize)
	return e
}

func (e *Exec) registerGraphId(gID graph.GraphId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graphs.Insert(gID)
}

func (e *Exec) unregisterGraphId(gID graph.GraphId) {
	e.mu.Lock()
	delete(*e.graphs, gID)
	delete(e.sideInputs, gID)
	delete(e.sideOutputs, gID)
	delete(e.numOutputs, gID)
	e.mu.Unlock()
	removeGraphIds(gID)
}

// appendSideOutputs at the end of the computation graph building.
func (e *Exec) appendSideOutputs(g *graph.Graph, outputs []*graph.Node) []*graph.Node {
	gID := g.GraphId()
	var sideInputs, sideOutputs []*Variable
	for _, v := range variablesInGraph(gID) {
		if v.paramHandle(gID) >= 0 {
			sideInputs = append(sideInputs, v)
		}
		if v.ChangedInGraph(g) {
			sideOutputs = append(sideOutputs, v)
		}
	}
	e.mu.Lock()
	e.sideInputs[gID] = sideInputs
	e.sideOutputs[gID] = sideOutputs
	e.numOutputs[gID] = len(outputs)
	e.mu.Unlock()
	klog.V(2).Infof("graph %q: %d variables read, %d variables updated", g.Name(), len(sideInputs), len(sideOutputs))
	for _, v := range sideOutputs {
		outputs = append(outputs, v.currentValueNode(gID))
	}
	return outputs
}

func (e *Exec) setSideParams(g *graph.Graph, params []*tensors.Tensor) {
	gID := g.GraphId()
	e.mu.Lock()
	sideInputs := e.sideInputs[gID]
	e.mu.Unlock()
	for _, v := range sideInputs {
		params[v.paramHandle(gID)] = v.Value()
	}
}

// Exec executes the model with the given inputs.
//
// The number of inputs must match the number of inputs of the model builder.
//
// It returns an error in case of any issues (either building/JIT-compiling the graph or during the execution).
func (e *Exec) Exec(inputs ...any) ([]*tensors.Tensor, error) {
	if e.exec == nil {
		return nil, errors.New("model.Exec used after Finalize")
	}
	if e.numBuilderInputs >= 0 && len(inputs) != e.numBuilderInputs {
		return nil, errors.Errorf("wrong number of inputs for model, expected %d, got %d", e.numBuilderInputs, len(inputs))
	}
	outputs, g, err := e.exec.ExecWithGraph(inputs...)
	if err != nil {
		return nil, err
	}
	return e.extractVariableOutputs(g.GraphId(), outputs)
}

// extractVariableOutputs updates the variables changed in the graph, and returns the remaining outputs.
func (e *Exec) extractVariableOutputs(gID graph.GraphId, outputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	e.mu.Lock()
	sideOutputs := e.sideOutputs[gID]
	numOutputs := e.numOutputs[gID]
	e.mu.Unlock()
	if len(sideOutputs) == 0 {
		return outputs, nil
	}
	varValues := outputs[numOutputs:]
	outputs = outputs[:numOutputs]
	previous := make([]*tensors.Tensor, 0, len(sideOutputs))
	for idx, v := range sideOutputs {
		previous = append(previous, v.Value())
		if err := v.SetValue(varValues[idx]); err != nil {
			for restoreIdx := range previous {
				_ = sideOutputs[restoreIdx].SetValue(previous[restoreIdx])
			}
			return nil, errors.WithMessagef(err, "failed to update variable %s after execution", v)
		}
	}
	return outputs, nil
}

// Finalize frees all resources used by the executor -- and doesn't wait for the garbage collector to do it.
//
// It is safe to call this method multiple times.
func (e *Exec) Finalize() {
	e.mu.Lock()
	if e.exec == nil {
		// Already freed.
		e.mu.Unlock()
		return
	}
	gIDs := make([]graph.GraphId, 0, len(*e.graphs))
	for gID := range *e.graphs {
		gIDs = append(gIDs, gID)
	}
	clear(*e.graphs)
	clear(e.sideInputs)
	clear(e.sideOutputs)
	clear(e.numOutputs)
	e.exec.Finalize()
	e.exec = nil
	e.mu.Unlock()
	removeGraphIds(gIDs...)
}

// Exec1 executes the model with the given inputs and returns the output directly (as opposed to a slice of tensors).
func (e *Exec) Exec1(inputs ...any) (*tensors.Tensor, error) {
	if e.numBuilderOutputs >= 0 && e.numBuilderOutputs != 1 {
		return nil, errors.Errorf("model builder has %d outputs, cannot use Exec1", e.numBuilderOutputs)
	}
	outputs, err := e.Exec(inputs...)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.Errorf("wrong number of outputs for model for Exec1, expected 1, got %d", len(outputs))
	}
	return outputs[0], nil
}

// Exec2 executes the model with the given inputs and returns two outputs directly (as opposed to a slice of tensors).
func (e *Exec) Exec2(inputs ...any) (*tensors.Tensor, *tensors.Tensor, error) {
	if e.numBuilderOutputs >= 0 && e.numBuilderOutputs != 2 {
		return nil, nil, errors.Errorf("model builder has %d outputs, cannot use Exec2", e.numBuilderOutputs)
	}
	outputs, err := e.Exec(inputs...)
	if err != nil {
		return nil, nil, err
	}
	if len(outputs) != 2 {
		return nil, nil, errors.Errorf("wrong number of outputs for model for Exec2, expected 2, got %d", len(outputs))
	}
	return outputs[0], outputs[1], nil
}

// Call is a variation of Exec that panics if there is an error.
func (e *Exec) Call(inputs ...any) []*tensors.Tensor {
	return must.M1(e.Exec(inputs...))
}

// Call1 is a variation of Exec1 that panics if there is an error.
func (e *Exec) Call1(inputs ...any) *tensors.Tensor {
	return must.M1(e.Exec1(inputs...))
}

// Call2 is a variation of Exec2 that panics if there is an error.
func (e *Exec) Call2(inputs ...any) (*tensors.Tensor, *tensors.Tensor) {
	return must.M2(e.Exec2(inputs...))
}

// ExecOnce builds, executes and finalizes an executor for builderFn.
func ExecOnce[B BuilderFnSet](builderFn B, inputs ...any) ([]*tensors.Tensor, error) {
	e, err := NewExec(builderFn)
	if err != nil {
		return nil, err
	}
	defer e.Finalize()
	return e.Exec(inputs...)
}
