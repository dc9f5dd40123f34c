package commandline

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/neurodyn/pkg/dyn"
	"github.com/gomlx/neurodyn/ui/notebooks"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the maximum time between terminal updates.
var RefreshPeriod = time.Second * 3

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps         int
	lastStepReported int
	lastUpdate       time.Time
	reportEvery      int
	bar              *progressbar.ProgressBar
	suffix           string
	inNotebook       bool

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// Write implements io.Writer, and appends the current suffix to each line. It is meant to be used as the
// default writer for the enclosed progressbar.ProgressBar, so the progress bar and its suffix are written in
// the same write operation: otherwise Jupyter Notebook may display things in different lines.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = os.Stdout.Write(data)
	if err != nil {
		return n, err
	}
	_, err = os.Stdout.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

func (pBar *progressBar) onStart(r *dyn.Runner) error {
	pBar.lastStepReported = 0
	pBar.lastUpdate = time.Now()
	pBar.numSteps = r.NumSteps
	pBar.reportEvery = r.ReportPeriod
	if pBar.reportEvery <= 0 {
		// At most 1000 updates during a run.
		pBar.reportEvery = max(1, pBar.numSteps/1000)
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar), // Required to work with Jupyter notebook.
	)
	if !pBar.inNotebook {
		// Suffix to erase spurious characters from previous prints.
		pBar.suffix = "\033[J"
		pBar.isFirstOutput = true
		pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
		pBar.asyncUpdatesDone.Add(1)
		go pBar.drawUpdates(pBar.updates)
	}
	return nil
}

func (pBar *progressBar) onStep(r *dyn.Runner) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	stepsDone := r.Step + 1
	if stepsDone%pBar.reportEvery != 0 && stepsDone != r.NumSteps && time.Since(pBar.lastUpdate) < RefreshPeriod {
		return nil
	}
	amount := stepsDone - pBar.lastStepReported
	if amount <= 0 {
		return nil
	}
	pBar.lastUpdate = time.Now()
	stepsMsg := fmt.Sprintf("%s of %s", humanize.Comma(int64(stepsDone)), humanize.Comma(int64(r.NumSteps)))
	timeMsg := fmt.Sprintf("%.4g", r.T)

	if pBar.inNotebook {
		// For notebooks set a suffix that will be written along with the progressbar in [progressBar.Write].
		// Erase to an end-of-line escape sequence ("\033[J") not supported in Jupyter notebooks.
		pBar.suffix = fmt.Sprintf(" [step=%s] [t=%s]        ", stepsMsg, timeMsg)
		_ = pBar.bar.Add(amount) // Triggers print, see [pBar.Write] method.
	} else {
		// For the command-line instead we create and enqueue an update to be asynchronously printed.
		pBar.updates <- progressBarUpdate{
			amount:  amount,
			metrics: []string{stepsMsg, timeMsg, FormatDuration(r.MedianStepDuration())},
		}
	}
	pBar.lastStepReported = stepsDone
	return nil
}

func (pBar *progressBar) onEnd(r *dyn.Runner, elapsed time.Duration) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.updates = nil
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	fmt.Println()
	fmt.Printf("Simulated a duration of %.4g in %s\n", float64(len(r.StepDurations))*r.Dt, FormatDuration(elapsed))
	return nil
}

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "neurodyn.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount  int
	metrics []string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// statsRowNames are the names of the rows of progressBarUpdate.metrics.
var statsRowNames = []string{"Steps", "Time", "Median step duration"}

// drawUpdates asynchronously draws the updates of a run: handy if the simulation is faster than the terminal.
func (pBar *progressBar) drawUpdates(updates <-chan progressBarUpdate) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for ii, name := range statsRowNames {
			pBar.statsTable.Row(name, update.metrics[ii])
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// For command-line, we clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			numLinesToBackup := len(update.metrics) + 2 + 2 + len(pBar.extraMetricFns)
			pBar.termenv.CursorPrevLine(numLinesToBackup)
		}
		pBar.isFirstOutput = false

		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Runner, so that
// everytime the Runner is run, it will display a progress bar with the steps and the simulated time.
//
// The bar is updated every Runner report period (see dyn.RunnerConfig.Report), or at most 1000 times
// during a run if no report fraction was configured.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(r *dyn.Runner, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		inNotebook:     notebooks.IsNotebook(),
		extraMetricFns: extraMetrics,
	}
	if !pBar.inNotebook {
		pBar.termenv = termenv.NewOutput(os.Stdout)
		pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		pBar.statsTable = lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
	}
	r.OnStart(ProgressBarName, 0, pBar.onStart)
	r.OnStep(ProgressBarName, 0, pBar.onStep)
	r.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

// SpikeRateMetric returns an ExtraMetricFn that reports the mean firing rate (in Hz, assuming time in
// milliseconds) of the group, as counted from its monitored spikes.
func SpikeRateMetric(r *dyn.Runner, spikeKey string) ExtraMetricFn {
	return func() (name, value string) {
		name = strings.TrimSuffix(spikeKey, ".Spike") + " rate"
		spikes, err := r.Monitor().Get(spikeKey)
		if err != nil || spikes.Size() == 0 {
			return name, "-"
		}
		var total float64
		for _, s := range spikes.Flat() {
			total += s
		}
		numRecords, numNeurons := spikes.Shape().Dim(0), spikes.Size()/spikes.Shape().Dim(0)
		rate := total / float64(numNeurons) / (float64(numRecords) * r.Dt / 1000)
		return name, fmt.Sprintf("%.2f Hz", rate)
	}
}
