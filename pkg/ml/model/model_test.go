package model

import (
	"fmt"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/support/xslices"
	"github.com/stretchr/testify/require"
)

// runTestModel runs a test for a model and checks that the outputs match the wanted values.
func runTestModel[B BuilderFnSet](t *testing.T, testName string, buildFn B, inputs []any, want []any, delta float64) {
	t.Run(testName, func(t *testing.T) {
		wantTensors := xslices.Map(want, tensors.FromValue)
		for i, input := range inputs {
			inputs[i] = tensors.FromValue(input)
		}

		e, err := NewExec(buildFn)
		require.NoError(t, err, "while building model executor")
		outputs, err := e.Exec(inputs...)
		require.NoError(t, err, "while executing model")
		for i, output := range outputs {
			fmt.Printf("\tOutputs[%d]: %s\n", i, output)
		}
		require.Lenf(t, outputs, len(wantTensors), "%s: number of outputs doesn't match", testName)
		for ii, output := range outputs {
			require.Truef(t, wantTensors[ii].InDelta(output, delta), "%s: output #%d doesn't match wanted value %s",
				testName, ii, wantTensors[ii])
		}
	})
}

// TestExample in the package documentation.
//
// If this breaks, please update the documentation.
func TestExample(t *testing.T) {
	myModel := &struct {
		counter *Variable
	}{
		counter: MustNewVariable("counter", int32(0)),
	}
	incFn := func(g *graph.Graph) *graph.Node {
		currentValue := myModel.counter.ValueGraph(g)
		nextValue := graph.AddScalar(currentValue, 1)
		myModel.counter.SetValueGraph(nextValue) // Updates the counter.
		return currentValue
	}
	incExec := MustNewExec(incFn) // Executor that increments the counter.
	got := incExec.Call1()
	require.Equal(t, int32(0), tensors.ToScalar[int32](got))
	got = incExec.Call1()
	require.Equal(t, int32(1), tensors.ToScalar[int32](got))
	require.Equal(t, int32(2), tensors.ToScalar[int32](myModel.counter.Value()))
}

func TestBuilderSignatures(t *testing.T) {
	w := MustNewTrainVar("w", []float32{1, 2})
	runTestModel(t, "graph-only", func(g *graph.Graph) *graph.Node {
		return graph.ReduceAllSum(w.ValueGraph(g))
	}, nil, []any{float32(3)}, 0)
	runTestModel(t, "one-node", func(x *graph.Node) *graph.Node {
		return graph.Mul(x, w.ValueGraph(x.Graph()))
	}, []any{[]float32{3, 4}}, []any{[]float32{3, 8}}, 0)
	runTestModel(t, "two-outputs", func(x, y *graph.Node) (*graph.Node, *graph.Node) {
		return graph.Add(x, y), graph.Sub(x, y)
	}, []any{float32(5), float32(2)}, []any{float32(7), float32(3)}, 0)
	runTestModel(t, "variadic", func(inputs ...*graph.Node) []*graph.Node {
		sum := inputs[0]
		for _, input := range inputs[1:] {
			sum = graph.Add(sum, input)
		}
		return []*graph.Node{sum}
	}, []any{1.0, 2.0, 3.0}, []any{6.0}, 0)
	runTestModel(t, "graph-and-slice", func(g *graph.Graph, inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{graph.Scalar(g, w.Shape().DType, float64(len(inputs)))}
	}, []any{1.0, 2.0}, []any{float32(2)}, 0)

	_, err := NewExecAny(func(x int) *graph.Node { return nil })
	require.Error(t, err)
	_, err = NewExecAny(func() *graph.Node { return nil })
	require.Error(t, err)
	_, err = NewExecAny("not a function")
	require.Error(t, err)
}

func TestExec_SideInputsAndOutputs(t *testing.T) {
	v := MustNewVariable("v", []float64{1, 2, 3})
	read := MustNewVariable("read", 10.0)
	e := MustNewExec(func(x *graph.Node) *graph.Node {
		g := x.Graph()
		newV := graph.Add(v.ValueGraph(g), graph.Mul(x, read.ValueGraph(g)))
		v.SetValueGraph(newV)
		return graph.ReduceAllSum(newV)
	})
	got := e.Call1(1.0)
	require.Equal(t, 36.0, tensors.ToScalar[float64](got))
	require.Equal(t, []float64{11, 12, 13}, v.Value().Value())
	require.Equal(t, 10.0, tensors.ToScalar[float64](read.Value()))

	// Changing a read variable outside the graph is seen by the next execution, without recompiling.
	read.MustSetValue(tensors.FromValue(0.5))
	got = e.Call1(2.0)
	require.Equal(t, 39.0, tensors.ToScalar[float64](got))
	require.Equal(t, []float64{12, 13, 14}, v.Value().Value())

	// Wrong number of inputs.
	_, err := e.Exec()
	require.Error(t, err)
	_, err = e.Exec(1.0, 2.0)
	require.Error(t, err)
}

func TestExec_FailedBuildKeepsValues(t *testing.T) {
	v := MustNewVariable("v", []float32{1, 2})
	e := MustNewExec(func(x *graph.Node) *graph.Node {
		g := x.Graph()
		v.SetValueGraph(graph.AddScalar(v.ValueGraph(g), 1))
		// Fails for inputs that don't match v's shape.
		return graph.Add(v.ValueGraph(g), graph.Reshape(x, 2))
	})
	_, err := e.Exec([]float32{1, 2, 3})
	require.Error(t, err)
	require.Equal(t, []float32{1, 2}, v.Value().Value())

	// The variable doesn't keep references to the failed graph, and a valid call still works.
	got := e.Call1([]float32{10, 20})
	require.Equal(t, []float32{12, 23}, got.Value())
	require.Equal(t, []float32{2, 3}, v.Value().Value())
}

func TestExec_LeakedTracer(t *testing.T) {
	v := MustNewVariable("v", 1.0)
	var leaked *graph.Node
	e := MustNewExec(func(g *graph.Graph) *graph.Node {
		leaked = v.ValueGraph(g)
		return leaked
	})
	require.Equal(t, 1.0, tensors.ToScalar[float64](e.Call1()))

	// Using the node after the graph is compiled fails, and the variable is untouched.
	err := exceptions.TryCatch[error](func() { v.SetValueGraph(graph.AddScalar(leaked, 1)) })
	require.Error(t, err)
	err = exceptions.TryCatch[error](func() { v.ValueGraph(leaked.Graph()) })
	require.ErrorIs(t, err, ErrTracer)
	require.Equal(t, 1.0, tensors.ToScalar[float64](v.Value()))
}

func TestExec_Finalize(t *testing.T) {
	v := MustNewVariable("v", 1.0)
	e := MustNewExec(func(g *graph.Graph) *graph.Node { return v.ValueGraph(g) })
	_ = e.Call1()
	require.Len(t, *e.graphs, 1)
	for gID := range *e.graphs {
		require.NotEmpty(t, variablesInGraph(gID))
	}
	gIDs := make([]graph.GraphId, 0, 1)
	for gID := range *e.graphs {
		gIDs = append(gIDs, gID)
	}
	e.Finalize()
	e.Finalize()
	for _, gID := range gIDs {
		require.Empty(t, variablesInGraph(gID))
		require.Equal(t, -1, v.paramHandle(gID))
	}
	_, err := e.Exec()
	require.Error(t, err)
}

func TestExecOnce(t *testing.T) {
	outputs, err := ExecOnce(func(x *graph.Node) *graph.Node { return graph.MulScalar(x, 2) }, []float32{1, 2})
	require.NoError(t, err)
	require.Equal(t, []float32{2, 4}, outputs[0].Value())
}

