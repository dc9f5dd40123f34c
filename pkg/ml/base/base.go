// Package base defines the object system of neurodyn models: named nodes that own variables and children nodes.
//
// Any struct that embeds Base is a Node. Its children nodes and variables are discovered from its fields
// (exported or not), including slices, arrays and maps of them, plus the ones registered explicitly with
// Base.RegisterImplicitNodes and Base.RegisterImplicitVars.
//
// Example:
//
//	type Net struct {
//		base.Base
//		E, I *LIF
//		w    *model.Variable
//	}
//	net := &Net{E: NewLIF(100), I: NewLIF(25), w: model.MustNewTrainVar("w", ...)}
//	must.M(base.Init(net, ""))  // net.Name() == "Net0"
//	vars := must.M1(base.Vars(net, base.Relative))  // keys "w", "E.V", "E.spike", "I.V", ...
package base

import (
	"reflect"
	"slices"

	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/gomlx/neurodyn/pkg/ml/states"
	"github.com/gomlx/neurodyn/pkg/support/sets"
	"github.com/pkg/errors"
)

// Node is any object that embeds Base.
type Node interface {
	BaseNode() *Base
}

// Base is embedded in every node of a model. See package documentation.
type Base struct {
	name     string
	implicit *implicitState
}

// implicitState holds the variables and nodes that are not fields of the node.
type implicitState struct {
	vars      *model.Collector
	nodeKeys  []string
	nodeByKey map[string]Node
}

// BaseNode implements Node.
func (b *Base) BaseNode() *Base { return b }

// Name returns the unique name of the node. It is empty if the node was not initialized with Init, which is
// done automatically when the node is traversed with Nodes or Vars.
func (b *Base) Name() string { return b.name }

func (b *Base) implicitOrNew() *implicitState {
	if b.implicit == nil {
		b.implicit = &implicitState{vars: model.NewCollector(), nodeByKey: make(map[string]Node)}
	}
	return b.implicit
}

// RegisterImplicitVars registers variables that are not accessible as fields of the node. They are collected by
// Vars with the given keys (prefixed by the node path).
func (b *Base) RegisterImplicitVars(vars map[string]*model.Variable) error {
	implicit := b.implicitOrNew()
	for _, key := range sortedKeys(vars) {
		if err := implicit.vars.Add(key, vars[key]); err != nil {
			return errors.WithMessagef(err, "registering implicit variables of %q", b.name)
		}
	}
	return nil
}

// RegisterImplicitNodes registers children nodes that are not accessible as fields of the node.
// Registering a key again replaces its node.
func (b *Base) RegisterImplicitNodes(nodes map[string]Node) {
	implicit := b.implicitOrNew()
	for _, key := range sortedKeys(nodes) {
		if _, found := implicit.nodeByKey[key]; !found {
			implicit.nodeKeys = append(implicit.nodeKeys, key)
		}
		implicit.nodeByKey[key] = nodes[key]
	}
}

// Init assigns a unique name to the node obj, and binds the name to it.
//
// If name is empty, a new one is generated from the type name of obj, see UniqueName. Otherwise, the name
// must be an identifier not used by any other node.
func Init(obj Node, name string) error {
	b := obj.BaseNode()
	if name == "" {
		name = UniqueName(typeName(obj))
	}
	if err := CheckNameUniqueness(name, b); err != nil {
		return err
	}
	b.name = name
	b.implicitOrNew()
	return nil
}

// MustInit is like Init, but panics on error.
func MustInit(obj Node, name string) {
	if err := Init(obj, name); err != nil {
		panic(err)
	}
}

func typeName(obj Node) string {
	t := reflect.TypeOf(obj)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if !IsIdentifier(name) {
		// E.g.: anonymous structs.
		return "Node"
	}
	return name
}

// ensureInit initializes nodes that were not initialized with Init yet.
func ensureInit(obj Node) error {
	if obj.BaseNode().name != "" {
		return nil
	}
	return Init(obj, "")
}

// Method of keying nodes and variables by Nodes and Vars.
type Method int

const (
	// Absolute keys nodes by their unique names, and variables by "<node name>.<field path>".
	Absolute Method = iota

	// Relative keys nodes by the path of fields from the root node ("" for the root itself), and variables by
	// "<node path>.<field path>", or just "<field path>" for variables of the root.
	Relative
)

// String implements fmt.Stringer.
func (m Method) String() string {
	switch m {
	case Absolute:
		return "absolute"
	case Relative:
		return "relative"
	}
	return "Method(?)"
}

var (
	nodeInterfaceType = reflect.TypeOf((*Node)(nil)).Elem()
	implicitStateType = reflect.TypeOf((*implicitState)(nil))
	variablePtrType   = reflect.TypeOf((*model.Variable)(nil))
)

// keyedNode is a child node and its key (field path or implicit key) within its parent.
type keyedNode struct {
	key  string
	node Node
}

// childrenOf returns the direct children of the node: nodes referenced by its fields (not descending into them),
// followed by its implicit nodes.
func childrenOf(node Node) ([]keyedNode, error) {
	var children []keyedNode
	err := model.Walk(node, func(path string, v reflect.Value) (descend, ok bool) {
		if path == "" {
			// The node itself, or an embedded pointer.
			return true, true
		}
		if v.Type() == implicitStateType || v.Type() == variablePtrType {
			return false, true
		}
		if v.Type().Implements(nodeInterfaceType) {
			child := reflect.NewAt(v.Type().Elem(), v.UnsafePointer()).Interface().(Node)
			children = append(children, keyedNode{path, child})
			return false, true
		}
		return true, true
	})
	if err != nil {
		return nil, err
	}
	if implicit := node.BaseNode().implicit; implicit != nil {
		for _, key := range implicit.nodeKeys {
			children = append(children, keyedNode{key, implicit.nodeByKey[key]})
		}
	}
	return children, nil
}

// ownVariables returns the variables referenced by the fields of the node, not descending into children nodes,
// keyed by their field path, followed by its implicit variables.
func ownVariables(node Node) ([]model.PathAndVariable, error) {
	var vars []model.PathAndVariable
	err := model.Walk(node, func(path string, v reflect.Value) (descend, ok bool) {
		switch {
		case v.Type() == variablePtrType:
			vars = append(vars, model.PathAndVariable{Path: path, Variable: (*model.Variable)(v.UnsafePointer())})
			return false, true
		case v.Type() == implicitStateType:
			return false, true
		case path != "" && v.Type().Implements(nodeInterfaceType):
			return false, true
		}
		return true, true
	})
	if err != nil {
		return nil, err
	}
	if implicit := node.BaseNode().implicit; implicit != nil {
		for key, v := range implicit.vars.All() {
			vars = append(vars, model.PathAndVariable{Path: key, Variable: v})
		}
	}
	return vars, nil
}

// Children returns the direct children of the node, keyed by their field path (or implicit key), in the order
// their fields are defined, followed by the implicit nodes in registration order.
func Children(node Node) (*Collection, error) {
	children, err := childrenOf(node)
	if err != nil {
		return nil, err
	}
	gather := NewCollection()
	for _, child := range children {
		if err := ensureInit(child.node); err != nil {
			return nil, err
		}
		gather.Set(child.key, child.node)
	}
	return gather, nil
}

// Nodes collects the node and all its descendants, keyed according to method.
//
// Each (parent, child) reference is followed only once, so cyclic references are fine.
func Nodes(node Node, method Method) (*Collection, error) {
	visited := sets.Make[[2]*Base]()
	return collectNodes(node, method, visited)
}

func collectNodes(node Node, method Method, visited sets.Set[[2]*Base]) (*Collection, error) {
	if err := ensureInit(node); err != nil {
		return nil, err
	}
	children, err := childrenOf(node)
	if err != nil {
		return nil, err
	}
	gather := NewCollection()
	if method == Relative {
		gather.Set("", node)
	}
	var toVisit []keyedNode
	for _, child := range children {
		pair := [2]*Base{node.BaseNode(), child.node.BaseNode()}
		if visited.Has(pair) {
			continue
		}
		visited.Insert(pair)
		if err := ensureInit(child.node); err != nil {
			return nil, err
		}
		switch method {
		case Absolute:
			gather.Set(child.node.BaseNode().Name(), child.node)
		case Relative:
			gather.Set(child.key, child.node)
		default:
			return nil, errors.Errorf("no support for the method %s", method)
		}
		toVisit = append(toVisit, child)
	}
	for _, child := range toVisit {
		sub, err := collectNodes(child.node, method, visited)
		if err != nil {
			return nil, err
		}
		for key, descendant := range sub.All() {
			switch method {
			case Absolute:
				gather.Set(key, descendant)
			case Relative:
				if key != "" {
					gather.Set(child.key+"."+key, descendant)
				}
			}
		}
	}
	if method == Absolute {
		gather.Set(node.BaseNode().Name(), node)
	}
	return gather, nil
}

// Vars collects the variables of the node and all its descendants, keyed "<node key>.<field path>", where the
// node key depends on the method (see Nodes).
func Vars(node Node, method Method) (*model.Collector, error) {
	nodes, err := Nodes(node, method)
	if err != nil {
		return nil, err
	}
	gather := model.NewCollector()
	for nodePath, n := range nodes.All() {
		vars, err := ownVariables(n)
		if err != nil {
			return nil, errors.WithMessagef(err, "collecting variables of node %q", n.BaseNode().Name())
		}
		for _, pv := range vars {
			key := pv.Path
			if nodePath != "" {
				key = nodePath + "." + key
			}
			if err := gather.Add(key, pv.Variable); err != nil {
				return nil, err
			}
		}
	}
	return gather, nil
}

// TrainVars collects the trainable variables of the node and its descendants. See Vars.
func TrainVars(node Node, method Method) (*model.Collector, error) {
	vars, err := Vars(node, method)
	if err != nil {
		return nil, err
	}
	return vars.TrainVars(), nil
}

// SaveStates saves the (unique) variables of the node, keyed by their relative paths. The format is
// selected by the file extension, see package states.
func SaveStates(node Node, filename string) error {
	vars, err := Vars(node, Relative)
	if err != nil {
		return err
	}
	return states.Save(vars.Unique(), filename)
}

// LoadStates loads the variables of the node, keyed by their relative paths, from filename.
//
// If verbose, each loaded key is logged. If checkMissing, each variable not found in the file is warned about.
func LoadStates(node Node, filename string, verbose, checkMissing bool) error {
	vars, err := Vars(node, Relative)
	if err != nil {
		return err
	}
	return states.Load(vars.Unique()).Verbose(verbose).CheckMissing(checkMissing).FromFile(filename)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
