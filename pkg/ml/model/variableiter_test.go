package model

import (
	"reflect"
	"testing"

	"github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/stretchr/testify/require"
)

type iterInner struct {
	A, b *Variable
}

type iterEmbedded struct {
	Tau *Variable
}

type iterModel struct {
	iterEmbedded
	Layers  []*iterInner
	named   map[string]*Variable
	byIndex map[int]*Variable
	self    *iterModel
	shared  *Variable
	exec    *Exec
	index   *Collector
	g       *graph.Graph
	skipped int
}

func paths(t *testing.T, model any) []string {
	var got []string
	for pv, err := range IterVariables(model) {
		require.NoError(t, err)
		got = append(got, pv.Path)
	}
	return got
}

func TestIterVariables(t *testing.T) {
	v := func(name string) *Variable { return MustNewVariable(name, 0.0) }
	shared := v("shared")
	m := &iterModel{
		iterEmbedded: iterEmbedded{Tau: v("tau")},
		Layers:       []*iterInner{{A: v("a0"), b: v("b0")}, nil, {A: shared}},
		named:        map[string]*Variable{"z": v("z"), "y": v("y")},
		byIndex:      map[int]*Variable{10: v("ten"), 2: v("two")},
		shared:       shared,
	}
	m.self = m
	m.exec = MustNewExec(func(g *graph.Graph) *graph.Node { return m.named["z"].ValueGraph(g) })
	m.index = NewCollector().MustAdd("notOwned", v("notOwned"))
	want := []string{"Tau", "Layers[0].A", "Layers[0].b", "Layers[2].A", "named[y]", "named[z]",
		"byIndex[10]", "byIndex[2]"}
	require.Equal(t, want, paths(t, m))

	// Deterministic.
	require.Equal(t, want, paths(t, m))

	collection, err := CollectVariables(m)
	require.NoError(t, err)
	require.Equal(t, want, collection.Keys())
	got, found := collection.Get("Layers[2].A")
	require.True(t, found)
	require.Same(t, shared, got)
}

func TestIterVariables_Errors(t *testing.T) {
	_, err := CollectVariables(&struct{ V Variable }{})
	require.Error(t, err)
	_, err = CollectVariables(&struct{ M map[float64]*Variable }{M: map[float64]*Variable{1: MustNewVariable("x", 1.0)}})
	require.Error(t, err)
}

func TestWalk(t *testing.T) {
	m := &iterModel{Layers: []*iterInner{{A: MustNewVariable("a", 1.0)}}}
	var visited []string
	err := Walk(m, func(path string, v reflect.Value) (descend, ok bool) {
		visited = append(visited, path+":"+v.Type().Elem().Name())
		return v.Type().Elem() != reflect.TypeOf(iterInner{}), true
	})
	require.NoError(t, err)
	require.Equal(t, []string{":iterModel", "Layers[0]:iterInner"}, visited)

	// Stopping early.
	count := 0
	err = Walk(m, func(path string, v reflect.Value) (descend, ok bool) {
		count++
		return true, false
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
