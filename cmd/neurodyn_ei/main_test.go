package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/neurodyn/pkg/ml/states"
	"github.com/gomlx/neurodyn/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEINet(t *testing.T) {
	settings := createDefaultSettings()
	must.M1(commandline.ParseSettings(settings, "num_exc=40;num_inh=10;duration=5;conn_prob=0.2"))
	net, err := buildNetwork(settings)
	require.NoError(t, err)
	assert.Equal(t, 40, net.E.Num)
	assert.Equal(t, []int{40, 10}, net.E2I.W.Shape().Dimensions)
	for _, w := range net.I2E.W.Value().Flat() {
		assert.LessOrEqual(t, w, 0.0, "inhibitory weights must be non-positive")
	}

	runner, err := newRunner(net, settings)
	require.NoError(t, err)
	_, err = runner.Run(5)
	require.NoError(t, err)
	assert.Equal(t, 50, runner.NumSteps)
	traces := must.M1(runner.Monitor().Get("E.V"))
	assert.Equal(t, []int{50, 5}, traces.Shape().Dimensions)

	dir := t.TempDir()
	require.NoError(t, savePlots(runner, dir))
	for _, name := range []string{"E.Spike.png", "I.Spike.png", "E.V.png", "E.V.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}

	statesPath := filepath.Join(dir, "ei.npz")
	require.NoError(t, states.Save(net, statesPath))
	values := must.M1(states.ReadFile(statesPath))
	assert.Contains(t, values, "E.V")
	assert.Contains(t, values, "E2I.W")
}
