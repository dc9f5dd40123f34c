package main

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/states"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveTestStates(t *testing.T, filename string) string {
	path := filepath.Join(t.TempDir(), filename)
	values := map[string]*tensors.Tensor{
		"E.V":     tensors.FromValue([][]float64{{1, -2}, {3, -4}}),
		"E.Spike": tensors.FromValue([]int32{0, 1, 0}),
		"I.V":     tensors.FromValue([]float32{0.5, 0.5}),
	}
	require.NoError(t, states.SaveValues([]string{"E.V", "E.Spike", "I.V"}, values, path))
	return path
}

func TestVariableStats(t *testing.T) {
	mav, rms, maxAV := variableStats([]float64{1, -2, 3, -4})
	assert.InDelta(t, 2.5, mav, 1e-9)
	assert.InDelta(t, math.Sqrt(7.5), rms, 1e-9)
	assert.Equal(t, 4.0, maxAV)
}

func TestDeleteVars(t *testing.T) {
	path := saveTestStates(t, "states.npz")
	sf, err := loadStateFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"E.Spike", "E.V", "I.V"}, sf.keys)
	require.NoError(t, DeleteVars(sf, "E.S", "X"))

	sf, err = loadStateFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"E.V", "I.V"}, sf.keys)
}

func TestPerturbVars(t *testing.T) {
	path := saveTestStates(t, "states.pkl")
	sf, err := loadStateFile(path)
	require.NoError(t, err)
	*flagPrefix = "E."
	defer func() { *flagPrefix = "" }()
	const perturbAmount = 0.1
	require.NoError(t, PerturbVars(sf, perturbAmount))
	require.Error(t, PerturbVars(sf, 1.5))

	sf, err = loadStateFile(path)
	require.NoError(t, err)
	original := []float64{1, -2, 3, -4}
	for ii, v := range sf.values["E.V"].Flat() {
		ratio := v / original[ii]
		assert.Greater(t, ratio, 1.0-perturbAmount)
		assert.Less(t, ratio, 1.0+perturbAmount)
		assert.NotEqual(t, 1.0, ratio)
	}
	// Integer and out of prefix variables are unchanged.
	assert.Equal(t, []int32{0, 1, 0}, sf.values["E.Spike"].Value())
	assert.Equal(t, []float32{0.5, 0.5}, sf.values["I.V"].Value())
}

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, MinimalUniquePaths("/runs/a/states.npz", "/runs/b/states.npz"))
	assert.Equal(t, []string{"only.npz"}, MinimalUniquePaths("only.npz"))
}
