// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is the numerical core of neurodyn: it builds computation graphs, compiles and runs them, and
// differentiates them.
//
// The main elements in the package are:
//
//   - Exec is the driver that manages the lifecycle (Graph creation, compilation, caching, and execution) across
//     different input shapes. Building a graph once per input-shape signature and re-running the compiled program
//     is the "just-in-time compilation" of neurodyn.
//
//   - Graph is the blueprint for a specific computation with specific input shapes.
//
//   - Node represents a symbolic value in the computation: an input parameter, a constant, or the result of an
//     operation (Add, Mul, Exp, ReduceSum, MatMul, etc.). Each node has a fixed shape known at graph building time.
//
//   - Gradient implements reverse-mode automatic differentiation.
//
// # Error Handling
//
// Graph (and its Node's) methods "throw" errors with panic(). This prevents having to manage error returning for
// every operation (Add, Sub, Mul, etc.) and makes the code much more readable. Exec converts these panics back to
// errors in its Exec method.
//
// Shapes are checked during graph building, so most errors are reported before any computation happens.
package graph

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/neurodyn/internal/workerspool"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GraphId is a unique id (within the process) of a Graph.
type GraphId int64

var nextGraphId atomic.Int64

// Graph with the operations and dependencies needed to run a computation.
//
// Nodes are kept in creation order, which is always a topological order of the DAG.
type Graph struct {
	id   GraphId
	name string

	nodes      []*Node
	parameters []*Node
	outputs    []*Node

	compiled bool
	pool     *workerspool.Pool
}

// NewGraph creates an empty graph with the given name.
func NewGraph(name string) *Graph {
	return &Graph{
		id:   GraphId(nextGraphId.Add(1)),
		name: name,
		pool: defaultPool,
	}
}

var defaultPool = workerspool.New()

// SetMaxParallelism configures the number of goroutines the interpreter uses to split large element-wise
// operations. 0 disables parallelism, -1 makes it unlimited. It should be set before graphs are executed.
func SetMaxParallelism(maxParallelism int) {
	defaultPool.SetMaxParallelism(maxParallelism)
}

// GraphId returns the unique id of the graph.
func (g *Graph) GraphId() GraphId { return g.id }

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NumParameters returns the number of parameters in the graph.
func (g *Graph) NumParameters() int { return len(g.parameters) }

// IsCompiled returns whether the graph was already compiled. Compiled graphs can no longer be changed.
func (g *Graph) IsCompiled() bool { return g.compiled }

// AssertBuilding panics if the graph is nil or already compiled.
func (g *Graph) AssertBuilding() {
	if g == nil {
		exceptions.Panicf("the Graph is nil")
	}
	if g.compiled {
		exceptions.Panicf("graph %q has already been compiled, one cannot change it anymore", g.name)
	}
}

// AssertCompiled panics if the graph is nil or not yet compiled.
func (g *Graph) AssertCompiled() {
	if g == nil {
		exceptions.Panicf("the Graph is nil")
	}
	if !g.compiled {
		exceptions.Panicf("graph %q not compiled yet", g.name)
	}
}

// registerNode adds the node to the graph, assigning its id.
func (g *Graph) registerNode(node *Node) {
	g.AssertBuilding()
	node.graph = g
	node.id = len(g.nodes)
	g.nodes = append(g.nodes, node)
}

// Parameter creates an input parameter node for the computation. During execution of the graph a value
// with the same shape must be provided for each parameter, in the order they were created.
func (g *Graph) Parameter(name string, shape shapes.Shape) *Node {
	g.AssertBuilding()
	if !shape.Ok() {
		exceptions.Panicf("Parameter(%q): invalid shape %s", name, shape)
	}
	node := &Node{
		op:          opParameter,
		shape:       shape.Clone(),
		paramName:   name,
		paramHandle: len(g.parameters),
	}
	g.registerNode(node)
	g.parameters = append(g.parameters, node)
	return node
}

// Compile the graph with the given outputs. After this, the graph can no longer be changed, and it can be
// executed with Run.
//
// The interpreter only evaluates nodes the outputs depend on. A graph with no outputs is valid,
// and running it is a no-op.
func (g *Graph) Compile(outputs ...*Node) {
	g.AssertBuilding()
	start := time.Now()
	for ii, output := range outputs {
		if output == nil {
			exceptions.Panicf("graph %q output #%d is nil", g.name, ii)
		}
		if output.graph != g {
			exceptions.Panicf("graph %q output #%d belongs to a different graph %q: this usually means "+
				"a value leaked from a previous trace", g.name, ii, output.graph.name)
		}
	}
	g.outputs = outputs
	g.compiled = true
	if klog.V(1).Enabled() {
		klog.Infof("Graph.Compile time for graph %q (%d nodes): %s", g.name, len(g.nodes), time.Since(start))
	}
}

// Run executes the compiled graph with the given parameter values, and returns the outputs.
func (g *Graph) Run(params ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	if g == nil || !g.compiled {
		return nil, errors.New("graph is nil or not compiled")
	}
	if len(params) != len(g.parameters) {
		return nil, errors.Errorf("graph %q takes %d parameters, %d given", g.name, len(g.parameters), len(params))
	}
	for ii, param := range params {
		want := g.parameters[ii].shape
		if param == nil {
			return nil, errors.Errorf("graph %q parameter #%d (%q) is nil", g.name, ii, g.parameters[ii].paramName)
		}
		if !param.Shape().Equal(want) {
			return nil, errors.Errorf("graph %q parameter #%d (%q) expected shape %s, got %s",
				g.name, ii, g.parameters[ii].paramName, want, param.Shape())
		}
	}
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		outputs = g.interpret(params)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while running graph %q", g.name)
	}
	return outputs, nil
}

// String pretty-prints the graph nodes.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph %q (#%d): %d nodes\n", g.name, g.id, len(g.nodes))
	for _, node := range g.nodes {
		fmt.Fprintf(&sb, "\t%s\n", node)
	}
	for ii, output := range g.outputs {
		fmt.Fprintf(&sb, "\toutput #%d: node #%d\n", ii, output.id)
	}
	return sb.String()
}

// validateBuildingGraphFromInputs checks that all inputs are from the same graph, that is still building,
// and returns the graph.
func validateBuildingGraphFromInputs(inputs ...*Node) *Graph {
	if len(inputs) == 0 {
		exceptions.Panicf("no input nodes provided, at least one is required")
	}
	var g *Graph
	for ii, node := range inputs {
		if node == nil {
			exceptions.Panicf("input node #%d is nil", ii)
		}
		if g == nil {
			g = node.graph
			g.AssertBuilding()
		} else if node.graph != g {
			exceptions.Panicf("combining nodes from different graphs (%q and %q) not allowed: this usually means "+
				"a value leaked from a previous trace", g.name, node.graph.name)
		}
	}
	return g
}
