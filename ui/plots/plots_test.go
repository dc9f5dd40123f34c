package plots

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/neurodyn/pkg/dyn"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLIF(t *testing.T) *dyn.Runner {
	lif := must.M1(dyn.NewLIF(3).Done())
	runner := must.M1(dyn.NewRunner(lif).
		Monitors("V", "Spike").
		Inputs(dyn.Input{Target: "Input", Value: []float64{0, 15, 40}}).
		Dt(0.5).
		Done())
	_, err := runner.Run(10)
	require.NoError(t, err)
	return runner
}

func TestFromMonitor(t *testing.T) {
	runner := runLIF(t)
	points, err := FromMonitor(runner.Monitor(), "V")
	require.NoError(t, err)
	require.Len(t, points, 20*3)
	assert.Equal(t, Point{Series: "V[0]", Key: "V", Index: 0, Time: 0, Value: 0}, points[0])
	assert.Equal(t, "V[2]", points[2].Series)
	assert.Equal(t, 0.5, points[3].Time)

	_, err = FromMonitor(runner.Monitor(), "Refractory")
	require.Error(t, err)

	byTime := NewPoints(points)
	assert.Len(t, byTime, 20)
	assert.Equal(t, []string{"V[0]", "V[1]", "V[2]"}, byTime.SeriesNames())
	byTime.Filter(func(p Point) bool { return p.Index == 1 })
	assert.Equal(t, []string{"V[1]"}, byTime.SeriesNames())
	extracted := byTime.Extract()
	require.Len(t, extracted, 20)
	for ii := 1; ii < len(extracted); ii++ {
		assert.Less(t, extracted[ii-1].Time, extracted[ii].Time)
	}
	assert.Contains(t, byTime.String(), "V[1]")
}

func TestSaveAndLoadPoints(t *testing.T) {
	runner := runLIF(t)
	points := must.M1(FromMonitor(runner.Monitor(), "Spike"))
	filePath := filepath.Join(t.TempDir(), "points.json")
	require.NoError(t, SavePoints(filePath, points))
	loaded, err := LoadPoints(filePath)
	require.NoError(t, err)
	assert.Equal(t, points, loaded)

	// Saving again appends.
	require.NoError(t, SavePoints(filePath, points[:3]))
	loaded = must.M1(LoadPoints(filePath))
	assert.Len(t, loaded, len(points)+3)

	_, err = LoadPoints(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestPlots(t *testing.T) {
	runner := runLIF(t)
	dir := t.TempDir()

	traces := NewPoints(must.M1(FromMonitor(runner.Monitor(), "V")))
	p, err := traces.LinePlot("Membrane potential")
	require.NoError(t, err)
	require.NoError(t, Save(p, filepath.Join(dir, "v.png")))
	_, err = traces.LinePlot("Missing", "V[7]")
	require.Error(t, err)

	spikes := NewPoints(must.M1(FromMonitor(runner.Monitor(), "Spike")))
	p, err = spikes.RasterPlot("Spikes")
	require.NoError(t, err)
	require.NoError(t, Save(p, filepath.Join(dir, "spikes.svg")))

	for _, name := range []string{"v.png", "spikes.svg"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
}
