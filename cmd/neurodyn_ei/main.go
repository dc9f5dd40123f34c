// neurodyn_ei simulates a randomly connected network of excitatory and inhibitory LIF neurons.
//
// Parameters are set with -set, e.g.: `neurodyn_ei -set="num_exc=800;duration=200" -plots=~/work/ei`.
// See `neurodyn_ei -help` for the list of parameters.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/dyn"
	"github.com/gomlx/neurodyn/pkg/ml/initializer"
	"github.com/gomlx/neurodyn/pkg/ml/states"
	"github.com/gomlx/neurodyn/pkg/support/fsutil"
	"github.com/gomlx/neurodyn/pkg/support/xslices"
	"github.com/gomlx/neurodyn/ui/commandline"
	"github.com/gomlx/neurodyn/ui/plots"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagPlots    = flag.String("plots", "", "Directory where to save the plots of the run. If empty no plots are saved.")
	flagStates   = flag.String("states", "", "File where to save the final state of the network (.npz, .h5, .pkl or .mat).")
	flagProgress = flag.Bool("progress", true, "Display a progress bar.")
)

// EINet is a network of excitatory (E) and inhibitory (I) neurons, randomly connected.
type EINet struct {
	dyn.Network
	E, I               *dyn.LIF
	E2E, E2I, I2E, I2I *dyn.ExpSyn
}

func createDefaultSettings() *commandline.Settings {
	return commandline.NewSettings().
		Set("num_exc", 400).
		Set("num_inh", 100).
		Set("duration", 100.0).
		Set("dt", 0.1).
		Set("input", 21.0).
		Set("conn_prob", 0.02).
		Set("w_exc", 0.6).
		Set("w_inh", 6.7).
		Set("tau_exc", 5.0).
		Set("tau_inh", 10.0).
		Set("seed", 42).
		Set("report", 0.1)
}

// randomWeights connects each pair with probability prob, with weight w.
func randomWeights(rng *initializer.RNG, prob, w float64) initializer.Initializer {
	uniform := initializer.Uniform(rng, 0, 1)
	return initializer.Func(func(shape shapes.Shape) (*tensors.Tensor, error) {
		draws, err := uniform.Init(shape)
		if err != nil {
			return nil, err
		}
		data := draws.Flat()
		for ii, draw := range data {
			if draw < prob {
				data[ii] = w
			} else {
				data[ii] = 0
			}
		}
		return tensors.FromFloat64s(shape.DType, data, shape.Dimensions...), nil
	})
}

// buildNetwork creates the EINet for the given settings.
func buildNetwork(settings *commandline.Settings) (*EINet, error) {
	rng := initializer.NewRNG(uint64(commandline.GetValue[int](settings, "seed")))
	prob := commandline.GetValue[float64](settings, "conn_prob")
	wExc, wInh := commandline.GetValue[float64](settings, "w_exc"), commandline.GetValue[float64](settings, "w_inh")
	tauExc, tauInh := commandline.GetValue[float64](settings, "tau_exc"), commandline.GetValue[float64](settings, "tau_inh")

	net := &EINet{}
	var err error
	vInit := initializer.Uniform(rng, 0, 20)
	if net.E, err = dyn.NewLIF(commandline.GetValue[int](settings, "num_exc")).Name("E").VInit(vInit).Done(); err != nil {
		return nil, err
	}
	if net.I, err = dyn.NewLIF(commandline.GetValue[int](settings, "num_inh")).Name("I").VInit(vInit).Done(); err != nil {
		return nil, err
	}
	synapses := []struct {
		syn       **dyn.ExpSyn
		pre, post *dyn.LIF
		tau, w    float64
	}{
		{&net.E2E, net.E, net.E, tauExc, wExc},
		{&net.E2I, net.E, net.I, tauExc, wExc},
		{&net.I2E, net.I, net.E, tauInh, -wInh},
		{&net.I2I, net.I, net.I, tauInh, -wInh},
	}
	for _, s := range synapses {
		*s.syn, err = dyn.NewExpSyn(s.pre, s.post).Tau(s.tau).Weights(randomWeights(rng, prob, s.w)).Done()
		if err != nil {
			return nil, err
		}
	}
	if err = dyn.Init(net, "EINet"); err != nil {
		return nil, err
	}
	return net, nil
}

// newRunner creates the runner of the network, monitoring the spikes and the potential of the first neurons.
func newRunner(net *EINet, settings *commandline.Settings) (*dyn.Runner, error) {
	input := commandline.GetValue[float64](settings, "input")
	traced := xslices.Iota(0, min(5, net.E.Num))
	return dyn.NewRunner(net).
		Monitors("E.Spike", "I.Spike").
		MonitorItems(dyn.MonitorItem{Key: "E.V", Indices: traced}).
		Inputs(
			dyn.Input{Target: "E.Input", Value: input},
			dyn.Input{Target: "I.Input", Value: input},
		).
		Dt(commandline.GetValue[float64](settings, "dt")).
		Report(commandline.GetValue[float64](settings, "report")).
		Done()
}

// savePlots of the run into dir: spike rasters and potential traces.
func savePlots(runner *dyn.Runner, dir string) error {
	dir, err := fsutil.ResolvePath(dir)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, key := range []string{"E.Spike", "I.Spike"} {
		points, err := plots.FromMonitor(runner.Monitor(), key)
		if err != nil {
			return err
		}
		p, err := plots.NewPoints(points).RasterPlot(key)
		if err != nil {
			return err
		}
		if err = plots.Save(p, filepath.Join(dir, key+".png")); err != nil {
			return err
		}
	}
	points, err := plots.FromMonitor(runner.Monitor(), "E.V")
	if err != nil {
		return err
	}
	if err = plots.SavePoints(filepath.Join(dir, "E.V.json"), points); err != nil {
		return err
	}
	p, err := plots.NewPoints(points).LinePlot("E.V")
	if err != nil {
		return err
	}
	return plots.Save(p, filepath.Join(dir, "E.V.png"))
}

func main() {
	klog.InitFlags(nil)
	settings := createDefaultSettings()
	settingsFlag := commandline.CreateSettingsFlag(settings, "")
	flag.Parse()
	paramsSet := must.M1(commandline.ParseSettings(settings, *settingsFlag))
	if len(paramsSet) > 0 {
		fmt.Printf("Modified settings:\n%s\n", commandline.SprintModifiedSettings(settings, paramsSet))
	}

	net := must.M1(buildNetwork(settings))
	runner := must.M1(newRunner(net, settings))
	if *flagProgress {
		commandline.AttachProgressBar(runner,
			commandline.SpikeRateMetric(runner, "E.Spike"),
			commandline.SpikeRateMetric(runner, "I.Spike"))
	}
	elapsed := must.M1(runner.Run(commandline.GetValue[float64](settings, "duration")))
	klog.Infof("Simulation done in %s", commandline.FormatDuration(elapsed))
	fmt.Println("Monitors:")
	must.M(commandline.ReportMonitors(runner.Monitor()))

	if *flagPlots != "" {
		must.M(savePlots(runner, *flagPlots))
	}
	if *flagStates != "" {
		must.M(states.Save(net, *flagStates))
	}
}
