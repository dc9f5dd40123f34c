// Package plots collects and draws the variables recorded by a dyn.Monitor: line plots of traces (e.g.
// membrane potentials) and raster plots of spikes.
//
// Points can also be saved to and loaded from files, so plots can be drawn after the simulation.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/neurodyn/pkg/dyn"
	"github.com/gomlx/neurodyn/pkg/support/fsutil"
	"github.com/gomlx/neurodyn/pkg/support/sets"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"k8s.io/klog/v2"
)

// Point represents one recorded value of one element of a monitored variable. It is used to save/load plots.
type Point struct {
	// Series name of this point, typically "<key>[<index>]".
	Series string

	// Key of the monitored variable this point comes from.
	// It's used in plotting to aggregate series of the same variable in the same plot.
	Key string

	// Index of the element within the record of the variable.
	Index int

	// Time of the record.
	Time float64

	// Value recorded.
	Value float64
}

// FromMonitor converts the records of the monitored variable key into points, one per recorded element.
func FromMonitor(m *dyn.Monitor, key string) ([]Point, error) {
	values, err := m.Get(key)
	if err != nil {
		return nil, err
	}
	times, err := m.Times(key)
	if err != nil {
		return nil, err
	}
	if len(times) == 0 {
		return nil, nil
	}
	flat := values.FlatRef()
	recordSize := len(flat) / len(times)
	points := make([]Point, 0, len(flat))
	for record, t := range times {
		for idx := range recordSize {
			points = append(points, Point{
				Series: fmt.Sprintf("%s[%d]", key, idx),
				Key:    key,
				Index:  idx,
				Time:   t,
				Value:  flat[record*recordSize+idx],
			})
		}
	}
	return points, nil
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	filePath, err := fsutil.ResolvePath(filePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plots file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plots file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// CreatePointsWriter creates a channel to write Point to the given file.
// It creates an errReport channel to report an error (or nil) back at the very end.
// If any error occurs, it stops writing, and will report the error back once pointWriter is closed.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	pointChan := make(chan Point, 100)
	pointWriter = pointChan
	errChan := make(chan error, 1)
	errReport = errChan
	go func() {
		// Create/append file with upcoming points.
		var f *os.File
		filePath, err := fsutil.ResolvePath(filePath)
		if err == nil {
			f, err = os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
			if err != nil {
				err = errors.Wrapf(err, "failed to open plots file %q for append", filePath)
				klog.Errorf("Error: %v", err)
			}
		}
		var enc *json.Encoder
		if f != nil {
			enc = json.NewEncoder(f)
		}
		for point := range pointChan {
			if err == nil {
				err = enc.Encode(point)
				if err != nil {
					err = errors.Wrapf(err, "failed to encode point %v", point)
					klog.Errorf("Error: %v", err)
				}
			}
		}
		if f != nil {
			if err == nil {
				err = f.Close()
			} else {
				_ = f.Close()
			}
		}
		errChan <- err
	}()
	return
}

// SavePoints writes the points to the given file, appending to it if it already exists.
func SavePoints(filePath string, points []Point) error {
	writer, errReport := CreatePointsWriter(filePath)
	for _, point := range points {
		writer <- point
	}
	close(writer)
	return <-errReport
}

// Points is a collection of Point objects organized by their Time value.
// It's a `map[float64][]Point` with several utility methods.
type Points map[float64][]Point

// NewPoints create a Points object from a collection of individual `Point`.
//
// See FromMonitor and LoadPoints to create the `rawPoints`.
func NewPoints(rawPoints []Point) (points Points) {
	points = make(map[float64][]Point)
	for _, p := range rawPoints {
		points[p.Time] = append(points[p.Time], p)
	}
	return points
}

// Map executes the given function on all individual points, in `Time` order.
// Note that if `p.Time` change, it is not re-indexed.
func (points Points) Map(fn func(p *Point)) {
	for _, t := range slices.Sorted(maps.Keys(points)) {
		timePoints := points[t]
		for ii := range timePoints {
			fn(&timePoints[ii])
		}
	}
}

// Filter only keeps those points for which `fn` returns true, removing the other ones.
func (points Points) Filter(fn func(p Point) bool) {
	for _, t := range slices.Sorted(maps.Keys(points)) {
		timePoints := points[t]
		newTimePoints := slices.DeleteFunc(slices.Clone(timePoints), func(p Point) bool { return !fn(p) })
		if len(newTimePoints) == len(timePoints) {
			continue // Nothing filtered.
		}
		if len(newTimePoints) == 0 {
			delete(points, t)
		} else {
			points[t] = newTimePoints
		}
	}
}

// Extract converts the [Points] structure back to a list of individual points.
// The output is sorted by [Point.Time].
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// Add `otherPoints` into this `Points` structure. `otherPoints` is unchanged.
// It does not check for duplicates, points from `otherPoints` are simply appended as is.
func (points Points) Add(otherPoints Points) {
	otherPoints.Map(func(p *Point) {
		points[p.Time] = append(points[p.Time], *p)
	})
}

// SeriesNames return the list of series names in the whole collection, sorted by their key and then by
// their element index.
func (points Points) SeriesNames() []string {
	names := sets.Make[string]()
	nameToPoint := make(map[string]Point)
	points.Map(func(p *Point) {
		names.Insert(p.Series)
		nameToPoint[p.Series] = *p
	})
	sorted := sets.Sorted(names)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := nameToPoint[sorted[i]], nameToPoint[sorted[j]]
		if pi.Key != pj.Key {
			return pi.Key < pj.Key
		}
		return pi.Index < pj.Index
	})
	return sorted
}

// TableForSeries returns a table with the first column being the `Time` followed
// by the columns given by the `series` names.
// If `series` is empty, it will include all series in the table.
func (points Points) TableForSeries(series ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if len(series) == 0 {
		series = points.SeriesNames()
	}
	table.Headers(append([]string{"Time"}, series...)...)
	for _, t := range slices.Sorted(maps.Keys(points)) {
		row := make([]string, 1+len(series))
		row[0] = fmt.Sprintf("%.4g", t)
		for _, pt := range points[t] {
			if idx := slices.Index(series, pt.Series); idx != -1 {
				row[idx+1] = fmt.Sprintf("%g", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForSeries()
}

// Size of the saved plots.
var (
	Width  = 12 * vg.Inch
	Height = 6 * vg.Inch
)

// LinePlot draws one line per series of the points, with time on the X axis. If series is empty, all series
// are drawn.
func (points Points) LinePlot(title string, series ...string) (*plot.Plot, error) {
	if len(series) == 0 {
		series = points.SeriesNames()
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (ms)"
	lines := make(map[string]plotter.XYs, len(series))
	points.Map(func(pt *Point) {
		if slices.Contains(series, pt.Series) {
			lines[pt.Series] = append(lines[pt.Series], plotter.XY{X: pt.Time, Y: pt.Value})
		}
	})
	for ii, name := range series {
		xys, found := lines[name]
		if !found {
			return nil, errors.Errorf("LinePlot(%q): series %q has no points", title, name)
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, errors.Wrapf(err, "LinePlot(%q): series %q", title, name)
		}
		line.Color = plotutil.Color(ii)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	return p, nil
}

// RasterPlot draws a dot at (time, index) for every point with a non-zero value: typically used with the
// monitored spikes of a neuron group.
func (points Points) RasterPlot(title string) (*plot.Plot, error) {
	var xys plotter.XYs
	points.Map(func(pt *Point) {
		if pt.Value != 0 {
			xys = append(xys, plotter.XY{X: pt.Time, Y: float64(pt.Index)})
		}
	})
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (ms)"
	p.Y.Label.Text = "Neuron index"
	if len(xys) == 0 {
		return p, nil
	}
	scatter, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, errors.Wrapf(err, "RasterPlot(%q)", title)
	}
	scatter.GlyphStyle.Shape = draw.CircleGlyph{}
	scatter.GlyphStyle.Radius = vg.Points(1)
	p.Add(scatter)
	return p, nil
}

// Save the plot to the given file, the format is given by its extension (e.g.: ".png", ".svg", ".pdf").
func Save(p *plot.Plot, filePath string) error {
	filePath, err := fsutil.ResolvePath(filePath)
	if err != nil {
		return err
	}
	if err = p.Save(Width, Height, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot %q to %q", p.Title.Text, filePath)
	}
	return nil
}
