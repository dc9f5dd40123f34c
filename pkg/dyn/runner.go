package dyn

import (
	"math"
	"slices"
	"time"

	"github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/gomlx/neurodyn/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Runner simulates a dynamical system: at each time step it applies the inputs, updates the system and records
// the monitored variables. All of it is JIT-compiled into a single program, built on the first step.
//
// Tools (e.g. progress bars) can be attached with the OnStart, OnStep and OnEnd hooks.
//
// The public attributes are meant for reading only, don't change them.
type Runner struct {
	// Target is the simulated system.
	Target System

	// Dt is the time step.
	Dt float64

	// T is the time of the next step. It starts at 0 (see RunnerConfig.StartTime) and continues from one run to
	// the next.
	T float64

	// Step currently being executed, counted from 0 at the start of each run.
	Step int

	// NumSteps of the current run.
	NumSteps int

	// ReportPeriod is the number of steps between progress reports of the current run, or 0 if progress is not
	// reported.
	ReportPeriod int

	// StepDurations of the steps of the current run.
	StepDurations []time.Duration

	report  float64
	monitor *Monitor
	inputs  []*formattedInput
	exec    *model.Exec

	onStart *priorityHooks[OnStartFn]
	onStep  *priorityHooks[OnStepFn]
	onEnd   *priorityHooks[OnEndFn]
}

// RunnerConfig configures a Runner. Create it with NewRunner, and build the Runner with Done.
type RunnerConfig struct {
	target       System
	monitorItems []MonitorItem
	inputs       []Input
	dt           float64
	report       float64
	startTime    float64
}

// NewRunner starts the configuration of a Runner for the target system.
func NewRunner(target System) *RunnerConfig {
	return &RunnerConfig{target: target}
}

// Monitors records the variables with the given keys, with all their elements at every step.
// See MonitorItem.Key.
func (c *RunnerConfig) Monitors(keys ...string) *RunnerConfig {
	for _, key := range keys {
		c.monitorItems = append(c.monitorItems, MonitorItem{Key: key})
	}
	return c
}

// MonitorItems records variables with optional indices and intervals.
func (c *RunnerConfig) MonitorItems(items ...MonitorItem) *RunnerConfig {
	c.monitorItems = append(c.monitorItems, items...)
	return c
}

// Inputs applied before every step, in the order given.
func (c *RunnerConfig) Inputs(inputs ...Input) *RunnerConfig {
	c.inputs = append(c.inputs, inputs...)
	return c
}

// Dt sets the time step. Default is the global GetDt() at the time Done is called.
func (c *RunnerConfig) Dt(dt float64) *RunnerConfig {
	c.dt = dt
	return c
}

// Report sets the fraction of each run between progress reports, in (0, 1]. If 0 (default), progress is
// not reported.
func (c *RunnerConfig) Report(fraction float64) *RunnerConfig {
	c.report = fraction
	return c
}

// StartTime sets the time of the first step. Default is 0.
func (c *RunnerConfig) StartTime(t float64) *RunnerConfig {
	c.startTime = t
	return c
}

// Done creates the Runner, resolving its monitors and inputs against the target.
func (c *RunnerConfig) Done() (*Runner, error) {
	if c.target == nil {
		return nil, errors.New("Runner requires a target system")
	}
	if c.target.BaseSystem().self == nil {
		return nil, errors.Errorf("system %q was not initialized with dyn.Init", c.target.BaseNode().Name())
	}
	dt := c.dt
	if dt == 0 {
		dt = GetDt()
	}
	if !(dt > 0) || math.IsInf(dt, 0) {
		return nil, errors.Errorf("Runner requires a positive time step, got %g", dt)
	}
	if c.report < 0 || c.report > 1 {
		return nil, errors.Errorf("Runner report fraction must be in [0, 1], got %g", c.report)
	}
	r := &Runner{
		Target:  c.target,
		Dt:      dt,
		T:       c.startTime,
		report:  c.report,
		onStart: newPriorityHooks[OnStartFn](),
		onStep:  newPriorityHooks[OnStepFn](),
		onEnd:   newPriorityHooks[OnEndFn](),
	}
	var err error
	if r.monitor, err = newMonitor(c.target, c.monitorItems); err != nil {
		return nil, err
	}
	if r.inputs, err = formatInputs(c.target, c.inputs); err != nil {
		return nil, err
	}
	if r.exec, err = model.NewExec(r.buildStep); err != nil {
		return nil, err
	}
	r.exec.SetName(c.target.BaseNode().Name() + "_run_step")
	return r, nil
}

// buildStep builds one time step: inputs are the time, the time step and the values of the per-step inputs;
// outputs are the values of the monitored variables.
func (r *Runner) buildStep(g *graph.Graph, inputs []*graph.Node) []*graph.Node {
	t, dt := inputs[0], inputs[1]
	perStep := inputs[2:]
	for _, in := range r.inputs {
		if in.typ == InputFix {
			in.apply(graph.Const(g, in.value))
			continue
		}
		in.apply(perStep[0])
		perStep = perStep[1:]
	}
	r.Target.BaseSystem().buildSteps(t, dt, sets.Make[*DynamicalSystem]())
	outputs := make([]*graph.Node, len(r.monitor.items))
	for ii, item := range r.monitor.items {
		outputs[ii] = item.v.ValueGraph(g)
	}
	return outputs
}

// Monitor holds the records of the last run.
func (r *Runner) Monitor() *Monitor { return r.monitor }

// NumStepsFor returns the number of steps needed to simulate the given duration.
func (r *Runner) NumStepsFor(duration float64) int {
	return int(math.Ceil(duration/r.Dt - 1e-6))
}

// Run simulates the target for the given duration, starting at time T. Monitors are reset at the start of the
// run. It returns the running time.
//
// If it fails, the variables of the target keep the values of the last successful step. The OnEnd hooks are
// called even if the run fails, once the OnStart hooks started.
func (r *Runner) Run(duration float64) (elapsed time.Duration, err error) {
	if !(duration > 0) {
		return 0, errors.Errorf("Runner.Run(%g): duration must be positive", duration)
	}
	numSteps := r.NumStepsFor(duration)
	for _, in := range r.inputs {
		if in.typ == InputIter && in.iterLen() < numSteps {
			return 0, errors.Errorf("Runner.Run(%g): input for %q has %d values, but the run has %d steps",
				duration, in.target, in.iterLen(), numSteps)
		}
	}
	start := time.Now()
	startT := r.T
	r.Step, r.NumSteps = 0, numSteps
	r.ReportPeriod = 0
	if r.report > 0 {
		r.ReportPeriod = max(1, int(math.Round(float64(numSteps)*r.report)))
	}
	r.StepDurations = r.StepDurations[:0]
	r.monitor.reset()
	klog.V(1).Infof("Running a duration of %g (%d steps of %g) for %q", duration, numSteps, r.Dt,
		r.Target.BaseNode().Name())
	defer func() {
		elapsed = time.Since(start)
		for hook := range r.onEnd.All() {
			hookErr := hook.fn(r, elapsed)
			if hookErr == nil {
				continue
			}
			hookErr = errors.WithMessagef(hookErr, "Runner.OnEnd(hook %q)", hook.name)
			if err == nil {
				err = hookErr
			} else {
				klog.Errorf("%+v", hookErr)
			}
		}
		if err != nil {
			elapsed = 0
		}
	}()
	for hook := range r.onStart.All() {
		if err = hook.fn(r); err != nil {
			return 0, errors.WithMessagef(err, "Runner.OnStart(hook %q)", hook.name)
		}
	}

	args := make([]any, 0, 2+len(r.inputs))
	for step := range numSteps {
		r.Step = step
		t := startT + float64(step)*r.Dt
		args = append(args[:0], t, r.Dt)
		for _, in := range r.inputs {
			if in.typ == InputFix {
				continue
			}
			value, err := in.stepValue(step, t, r.Dt)
			if err != nil {
				return 0, errors.WithMessagef(err, "Runner.Run(%g)", duration)
			}
			args = append(args, value)
		}
		stepStart := time.Now()
		outputs, err := r.exec.Exec(args...)
		if err != nil {
			return 0, errors.WithMessagef(err, "Runner.Run(%g): step %d (t=%g)", duration, step, t)
		}
		r.StepDurations = append(r.StepDurations, time.Since(stepStart))
		r.T = startT + float64(step+1)*r.Dt
		r.monitor.record(t, r.Dt*1e-3, outputs)
		for hook := range r.onStep.All() {
			if err := hook.fn(r); err != nil {
				return 0, errors.WithMessagef(err, "Runner.OnStep(hook %q)", hook.name)
			}
		}
		if r.ReportPeriod > 0 && ((step+1)%r.ReportPeriod == 0 || step == numSteps-1) {
			klog.Infof("%s: %.0f%% of a duration of %g, t=%g", r.Target.BaseNode().Name(),
				100*float64(step+1)/float64(numSteps), duration, t)
		}
	}
	return time.Since(start), nil
}

// MedianStepDuration returns the median duration of the steps of the current run. It returns 1 millisecond
// if no step was recorded.
func (r *Runner) MedianStepDuration() time.Duration {
	if len(r.StepDurations) == 0 {
		return time.Millisecond
	}
	durations := slices.Clone(r.StepDurations)
	slices.Sort(durations)
	return durations[len(durations)/2]
}
