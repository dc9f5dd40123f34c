package base

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNeuron struct {
	Base
	V     *model.Variable
	w     *model.Variable
	tau   float64
	other *testNeuron
}

type testNet struct {
	Base
	Groups []*testNeuron
	inh    *testNeuron
	gain   *model.Variable
}

func newTestNeuron(t *testing.T, name string, v float64) *testNeuron {
	n := &testNeuron{
		V:   model.MustNewVariable("V", []float64{v, v}),
		w:   model.MustNewTrainVar("w", v),
		tau: 10,
	}
	require.NoError(t, Init(n, name))
	return n
}

func TestNaming(t *testing.T) {
	first := UniqueName("NamingType")
	second := UniqueName("NamingType")
	assert.Equal(t, "NamingType0", first)
	assert.Equal(t, "NamingType1", second)

	a, b := &Base{}, &Base{}
	require.NoError(t, CheckNameUniqueness("naming_a", a))
	require.NoError(t, CheckNameUniqueness("naming_a", a))
	require.ErrorIs(t, CheckNameUniqueness("naming_a", b), ErrNameNotUnique)
	require.ErrorIs(t, CheckNameUniqueness("1abc", b), ErrInvalidName)
	require.ErrorIs(t, CheckNameUniqueness("a-b", b), ErrInvalidName)
	require.ErrorIs(t, CheckNameUniqueness("", b), ErrInvalidName)
	runtime.KeepAlive(a)

	assert.True(t, IsIdentifier("_x1"))
	assert.True(t, IsIdentifier("Ψ"))
	assert.False(t, IsIdentifier("x.y"))
}

func TestInit(t *testing.T) {
	n := &testNeuron{}
	require.NoError(t, Init(n, ""))
	assert.Regexp(t, `^testNeuron\d+$`, n.Name())

	n2 := &testNeuron{}
	require.ErrorIs(t, Init(n2, n.Name()), ErrNameNotUnique)
	runtime.KeepAlive(n)
	require.NoError(t, Init(n2, "init_custom_name"))
	assert.Equal(t, "init_custom_name", n2.Name())
	require.Panics(t, func() { MustInit(&testNeuron{}, "not valid") })
}

func buildTestNet(t *testing.T, prefix string) (*testNet, *testNeuron, *testNeuron) {
	e := newTestNeuron(t, prefix+"E", 1)
	i := newTestNeuron(t, prefix+"I", 2)
	// Cycle between E and I.
	e.other, i.other = i, e
	net := &testNet{Groups: []*testNeuron{e}, inh: i, gain: model.MustNewParameter("gain", 3.0)}
	require.NoError(t, Init(net, prefix+"Net"))
	return net, e, i
}

func TestNodes(t *testing.T) {
	net, e, i := buildTestNet(t, "nodes")

	relative, err := Nodes(net, Relative)
	require.NoError(t, err)
	// Each (parent, child) reference is followed once: "inh.other" was already reached as "Groups[0]".
	assert.Equal(t, []string{"", "Groups[0]", "inh", "Groups[0].other", "Groups[0].other.other"}, relative.Keys())
	got, _ := relative.Get("Groups[0].other")
	assert.Same(t, i, got)
	got, _ = relative.Get("Groups[0].other.other")
	assert.Same(t, e, got)

	absolute, err := Nodes(net, Absolute)
	require.NoError(t, err)
	assert.Equal(t, []string{"nodesE", "nodesI", "nodesNet"}, absolute.Keys())
}

func TestVars(t *testing.T) {
	net, e, _ := buildTestNet(t, "vars")

	relative, err := Vars(net, Relative)
	require.NoError(t, err)
	assert.Equal(t, []string{"gain", "Groups[0].V", "Groups[0].w", "inh.V", "inh.w",
		"Groups[0].other.V", "Groups[0].other.w", "Groups[0].other.other.V", "Groups[0].other.other.w"},
		relative.Keys())
	assert.Equal(t, []string{"gain", "Groups[0].V", "Groups[0].w", "inh.V", "inh.w"}, relative.Unique().Keys())

	absolute, err := Vars(net, Absolute)
	require.NoError(t, err)
	assert.Equal(t, []string{"varsE.V", "varsE.w", "varsI.V", "varsI.w", "varsNet.gain"}, absolute.Keys())

	trainVars, err := TrainVars(net, Absolute)
	require.NoError(t, err)
	assert.Equal(t, []string{"varsE.w", "varsI.w"}, trainVars.Keys())

	// Implicit variables and nodes.
	extra := newTestNeuron(t, "varsExtra", 5)
	require.NoError(t, e.RegisterImplicitVars(map[string]*model.Variable{"h": model.MustNewVariable("h", 0.0)}))
	net.RegisterImplicitNodes(map[string]Node{"extra": extra})
	relative, err = Vars(net, Relative)
	require.NoError(t, err)
	assert.Contains(t, relative.Keys(), "Groups[0].h")
	assert.Contains(t, relative.Keys(), "extra.V")
	absolute, err = Vars(net, Absolute)
	require.NoError(t, err)
	assert.Contains(t, absolute.Keys(), "varsExtra.w")
	assert.Contains(t, absolute.Keys(), "varsE.h")
}

func TestSaveLoadStates(t *testing.T) {
	net, e, i := buildTestNet(t, "states")
	filename := filepath.Join(t.TempDir(), "net.npz")
	require.NoError(t, SaveStates(net, filename))

	e.V.MustSetValue(tensors.FromValue([]float64{0, 0}))
	i.w.MustSetValue(tensors.FromValue(0.0))
	require.NoError(t, LoadStates(net, filename, true, true))
	assert.Equal(t, []float64{1, 1}, e.V.Value().Value())
	assert.Equal(t, 2.0, tensors.ToScalar[float64](i.w.Value()))

	require.Error(t, LoadStates(net, filepath.Join(t.TempDir(), "missing.npz"), false, false))
}

func TestChildren(t *testing.T) {
	net, e, i := buildTestNet(t, "children")
	extra := newTestNeuron(t, "childrenExtra", 3)
	net.RegisterImplicitNodes(map[string]Node{"extra": extra})

	children, err := Children(net)
	require.NoError(t, err)
	assert.Equal(t, []string{"Groups[0]", "inh", "extra"}, children.Keys())
	got, _ := children.Get("Groups[0]")
	assert.Same(t, e, got)
	got, _ = children.Get("inh")
	assert.Same(t, i, got)

	children, err = Children(e)
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, children.Keys())
}
