package model

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// ErrTracer is returned (or thrown) when a variable's graph value is used outside the graph being traced,
// e.g. a Node stored during one trace and used again after the graph was compiled.
var ErrTracer = errors.New("variable value leaked from its trace")

// Kind of Variable.
type Kind int

const (
	// KindVariable is a generic piece of state: updated by the model itself (e.g.: membrane potential).
	KindVariable Kind = iota

	// KindTrainVar is a trainable variable: gradients are usually taken with respect to it.
	KindTrainVar

	// KindParameter is a variable holding a (non-trainable) parameter of the model.
	KindParameter
)

var kindNames = map[Kind]string{
	KindVariable:  "Variable",
	KindTrainVar:  "TrainVar",
	KindParameter: "Parameter",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Variable holds a named, mutable array of the model. It has a "concrete" view, with the actual value as a
// *tensors.Tensor, and a graph node view that can be used and updated during the building of a graph.
//
// The shape (including dtype) of a Variable is fixed at creation.
type Variable struct {
	name  string
	kind  Kind
	shape shapes.Shape

	mu    sync.Mutex
	value *tensors.Tensor

	// graphToNodes holds the node views of the variable, per graph.
	graphToNodes map[graph.GraphId]*variableNodes
}

// variableNodes is the view of a variable in one graph.
type variableNodes struct {
	// paramNode is the graph parameter fed with the variable value, if the value was read in the graph.
	paramNode *graph.Node

	// valueNode is the current value of the variable in the graph.
	valueNode *graph.Node

	// changed is set if SetValueGraph was called in the graph.
	changed bool
}

func newVariable(kind Kind, name string, value any) (*Variable, error) {
	t, err := tensors.FromValueSafe(value)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating %s %q", kind, name)
	}
	if name == "" {
		name = kind.String()
	}
	return &Variable{
		name:         name,
		kind:         kind,
		shape:        t.Shape().Clone(),
		value:        t,
		graphToNodes: make(map[graph.GraphId]*variableNodes),
	}, nil
}

// NewVariable creates a variable of KindVariable with the given name and initial value, which can be a
// *tensors.Tensor or a Go scalar or multi-dimensional slice.
func NewVariable(name string, value any) (*Variable, error) {
	return newVariable(KindVariable, name, value)
}

// NewTrainVar creates a trainable variable with the given name and initial value.
func NewTrainVar(name string, value any) (*Variable, error) {
	return newVariable(KindTrainVar, name, value)
}

// NewParameter creates a parameter variable with the given name and initial value.
func NewParameter(name string, value any) (*Variable, error) {
	return newVariable(KindParameter, name, value)
}

// MustNewVariable is like NewVariable, but panics on error.
func MustNewVariable(name string, value any) *Variable { return must.M1(NewVariable(name, value)) }

// MustNewTrainVar is like NewTrainVar, but panics on error.
func MustNewTrainVar(name string, value any) *Variable { return must.M1(NewTrainVar(name, value)) }

// MustNewParameter is like NewParameter, but panics on error.
func MustNewParameter(name string, value any) *Variable { return must.M1(NewParameter(name, value)) }

// Name of the variable. Names are informative only (they name graph parameters): variables are keyed by
// their path within the model when saved.
func (v *Variable) Name() string { return v.name }

// Kind of the variable.
func (v *Variable) Kind() Kind { return v.kind }

// Trainable returns whether the variable is a KindTrainVar.
func (v *Variable) Trainable() bool { return v.kind == KindTrainVar }

// Shape of the variable.
func (v *Variable) Shape() shapes.Shape { return v.shape }

// String implements fmt.Stringer.
func (v *Variable) String() string {
	if v == nil {
		return "Variable(nil)"
	}
	return fmt.Sprintf("%s(%q, %s)", v.kind, v.name, v.shape)
}

// Value returns the current value of the variable.
func (v *Variable) Value() *tensors.Tensor {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// SetValue replaces the variable value. The new value must have exactly the variable's shape and dtype.
//
// The tensor is not copied: tensors are treated as immutable values.
func (v *Variable) SetValue(value *tensors.Tensor) error {
	if value == nil {
		return errors.Errorf("%s: cannot set nil value", v)
	}
	if !value.Shape().Equal(v.shape) {
		return errors.Errorf("%s: the shape of the original data is %s, while we got %s", v, v.shape, value.Shape())
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = value
	return nil
}

// MustSetValue is like SetValue, but panics on error.
func (v *Variable) MustSetValue(value *tensors.Tensor) {
	must.M(v.SetValue(value))
}

// ValueGraph returns the Node with the value of the variable in the graph g.
//
// The first time it is called for a graph, it creates a parameter in g, which model.Exec feeds with the
// variable's value during execution. If SetValueGraph was called before in g, it returns the updated value.
func (v *Variable) ValueGraph(g *graph.Graph) *graph.Node {
	if g.IsCompiled() {
		panic(errors.Wrapf(ErrTracer, "%s: ValueGraph called for graph %q that was already compiled",
			v, g.Name()))
	}
	v.mu.Lock()
	nodes, found := v.graphToNodes[g.GraphId()]
	if !found {
		nodes = &variableNodes{}
		v.graphToNodes[g.GraphId()] = nodes
	}
	if nodes.valueNode == nil {
		nodes.paramNode = g.Parameter(v.name, v.shape)
		nodes.valueNode = nodes.paramNode
	}
	valueNode := nodes.valueNode
	v.mu.Unlock()
	if !found {
		registerGraphVariable(g.GraphId(), v)
	}
	return valueNode
}

// SetValueGraph sets the value of the variable in the graph of the node. model.Exec will update the
// variable with the new value after the graph is executed.
//
// The node must have the shape of the variable: its dtype is converted to the variable's dtype if needed.
func (v *Variable) SetValueGraph(value *graph.Node) {
	g := value.Graph()
	if g.IsCompiled() {
		panic(errors.Wrapf(ErrTracer, "%s: SetValueGraph called with a node of graph %q that was "+
			"already compiled", v, g.Name()))
	}
	if !value.Shape().EqualDimensions(v.shape) {
		exceptions.Panicf("%s: cannot set value with shape %s in graph, dimensions must match", v, value.Shape())
	}
	value = graph.ConvertDType(value, v.shape.DType)
	v.mu.Lock()
	nodes, found := v.graphToNodes[g.GraphId()]
	if !found {
		nodes = &variableNodes{}
		v.graphToNodes[g.GraphId()] = nodes
	}
	nodes.valueNode = value
	nodes.changed = true
	v.mu.Unlock()
	if !found {
		registerGraphVariable(g.GraphId(), v)
	}
}

// ChangedInGraph returns whether the variable was changed (SetValueGraph) in the graph g.
func (v *Variable) ChangedInGraph(g *graph.Graph) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	nodes, found := v.graphToNodes[g.GraphId()]
	return found && nodes.changed
}

// InUseByGraph returns whether the variable was read or written in the graph g.
func (v *Variable) InUseByGraph(g *graph.Graph) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, found := v.graphToNodes[g.GraphId()]
	return found
}

// paramHandle returns the graph parameter handle for the variable in graph gID, or -1 if the variable value
// is not read in the graph.
func (v *Variable) paramHandle(gID graph.GraphId) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	nodes, found := v.graphToNodes[gID]
	if !found || nodes.paramNode == nil {
		return -1
	}
	return nodes.paramNode.ParameterHandle()
}

// currentValueNode returns the current value node of the variable in graph gID.
func (v *Variable) currentValueNode(gID graph.GraphId) *graph.Node {
	v.mu.Lock()
	defer v.mu.Unlock()
	nodes, found := v.graphToNodes[gID]
	if !found {
		return nil
	}
	return nodes.valueNode
}

func (v *Variable) forgetGraph(gID graph.GraphId) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.graphToNodes, gID)
}

var (
	graphVariablesMu sync.Mutex

	// graphVariables lists, per graph, the variables used in it, in the order they were first used.
	graphVariables = make(map[graph.GraphId][]*Variable)
)

func registerGraphVariable(gID graph.GraphId, v *Variable) {
	graphVariablesMu.Lock()
	defer graphVariablesMu.Unlock()
	graphVariables[gID] = append(graphVariables[gID], v)
}

// variablesInGraph returns the variables used in the graph.
func variablesInGraph(gID graph.GraphId) []*Variable {
	graphVariablesMu.Lock()
	defer graphVariablesMu.Unlock()
	return graphVariables[gID]
}

// removeGraphIds forgets about the graphs: variables release their nodes for them.
func removeGraphIds(gIDs ...graph.GraphId) {
	for _, gID := range gIDs {
		graphVariablesMu.Lock()
		vars := graphVariables[gID]
		delete(graphVariables, gID)
		graphVariablesMu.Unlock()
		for _, v := range vars {
			v.forgetGraph(gID)
		}
	}
}
