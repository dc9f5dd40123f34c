package model

import (
	"testing"

	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	a := MustNewTrainVar("a", 1.0)
	b := MustNewVariable("b", []float64{1, 2})
	c := MustNewParameter("c", 3.0)
	col := NewCollector().MustAdd("x.a", a).MustAdd("x.b", b).MustAdd("y.a", a).MustAdd("c", c)
	require.Equal(t, 4, col.Len())
	require.NoError(t, col.Add("x.a", a), "adding the same pair twice is a no-op")
	require.Error(t, col.Add("x.a", b))
	require.Error(t, col.Add("nil", nil))

	require.Equal(t, []string{"x.a", "x.b", "c"}, col.Unique().Keys())
	require.Equal(t, []string{"x.a", "y.a"}, col.TrainVars().Keys())
	require.Equal(t, []*Variable{b, c}, col.Subset(KindVariable, KindParameter).Values())
	require.Equal(t, []string{"m.x.a", "m.x.b", "m.y.a", "m.c"}, col.WithPrefix("m.").Keys())

	other := NewCollector().MustAdd("z", c)
	require.NoError(t, col.Update(other))
	require.Equal(t, 5, col.Len())
	for key, v := range col.All() {
		if key == "z" {
			require.Same(t, c, v)
		}
	}
}

func TestCollector_SnapshotAndAssign(t *testing.T) {
	a := MustNewTrainVar("a", 1.0)
	b := MustNewVariable("b", []float64{1, 2})
	col := NewCollector().MustAdd("a", a).MustAdd("b", b)
	snapshot := col.Snapshot()

	require.NoError(t, col.Assign(map[string]*tensors.Tensor{"a": tensors.FromValue(5.0)}))
	require.Equal(t, 5.0, tensors.ToScalar[float64](a.Value()))
	require.Equal(t, []float64{1, 2}, b.Value().Value())

	// A failed assignment restores earlier values.
	err := col.Assign(map[string]*tensors.Tensor{
		"a": tensors.FromValue(7.0),
		"b": tensors.FromValue([]float64{1, 2, 3}),
	})
	require.Error(t, err)
	require.Equal(t, 5.0, tensors.ToScalar[float64](a.Value()))
	require.Error(t, col.Assign(map[string]*tensors.Tensor{"unknown": tensors.FromValue(1.0)}))

	require.NoError(t, col.Assign(snapshot))
	require.Equal(t, 1.0, tensors.ToScalar[float64](a.Value()))
}
