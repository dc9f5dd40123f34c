// Package model holds the state of brain-dynamics models and compiles functions over them.
//
// It defines:
//
//   - Variable: a named array of the model state, of kind KindVariable (e.g.: membrane potential), KindTrainVar
//     (trainable weights) or KindParameter. It has a "concrete" view, with the actual value as a Tensor, and a
//     graph node view that can be used and updated during the building of a graph.
//   - Exec: it mimics the graph.Exec interface to execute computation graphs, but it also handles Variable objects:
//     they are automatically passed as side inputs to the graph when used, and side outputs to automatically update
//     their values, if they are updated in the graph.
//   - IterVariables, CollectVariables and Collector: discover the variables of a model, keyed by the dotted path
//     of the fields that lead to them.
//
// A "model" can be any user-defined struct (`any` type in Go), which can contain:
//
//   - Fields with static hyperparameters (e.g.: time constants, number of neurons, etc.)
//   - Fields of the type *Variable, exported or not.
//   - Slices, arrays, sub-structs, maps (with string or number keys) of "model" (a recursive definition).
//
// Example: A model that has a counter, and an increment function.
//
//	myModel := &struct{
//		counter *model.Variable
//	} {
//		counter: model.MustNewVariable("counter", int32(0)),
//	}
//	incFn := func(g *graph.Graph) *graph.Node {
//		currentValue := myModel.counter.ValueGraph(g)
//		nextValue := graph.AddScalar(currentValue, 1)
//		myModel.counter.SetValueGraph(nextValue)  // Updates the counter.
//		return currentValue
//	}
//	inc := model.MustNewExec(incFn)  // Executor that increments the counter.
//	inc.Call1() // -> 0
//	inc.Call1() // -> 1
//	fmt.Printf("current myModel state: %s\n", myModel.counter.Value()) // -> 2
package model
