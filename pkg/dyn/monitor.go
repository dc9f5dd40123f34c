package dyn

import (
	"slices"
	"sync"

	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/pkg/errors"
)

// MonitorItem configures the recording of one variable.
type MonitorItem struct {
	// Key of the variable, "<node>.<variable>", resolved the same way as Input.Target.
	Key string

	// Indices are the flat indices of the elements of the variable to record. If empty, all elements are recorded.
	Indices []int

	// Interval between records, in the same unit as the time step. If 0, the variable is recorded at every step.
	Interval float64
}

// Monitor records the values of variables during a run. It is safe to read it while the run is going.
type Monitor struct {
	mu    sync.Mutex
	items []*monitorItem
	byKey map[string]*monitorItem
}

type monitorItem struct {
	MonitorItem
	v *model.Variable

	// dims of each record.
	dims   []int
	dtype  dtypes.DType
	times  []float64
	values []float64
}

// newMonitor resolves the items against the host system.
func newMonitor(host System, items []MonitorItem) (*Monitor, error) {
	m := &Monitor{byKey: make(map[string]*monitorItem, len(items))}
	for _, item := range items {
		if _, found := m.byKey[item.Key]; found {
			return nil, errors.Errorf("variable %q monitored more than once", item.Key)
		}
		if item.Interval < 0 {
			return nil, errors.Errorf("monitor %q has a negative interval %g", item.Key, item.Interval)
		}
		v, err := resolveVariable(host, item.Key)
		if err != nil {
			return nil, errors.WithMessagef(err, "monitor %q", item.Key)
		}
		mi := &monitorItem{MonitorItem: item, v: v, dtype: v.Shape().DType}
		mi.Indices = slices.Clone(item.Indices)
		if len(mi.Indices) == 0 {
			mi.dims = slices.Clone(v.Shape().Dimensions)
		} else {
			size := v.Shape().Size()
			for _, idx := range mi.Indices {
				if idx < 0 || idx >= size {
					return nil, errors.Errorf("monitor %q: index %d out of range for variable %s", item.Key, idx, v)
				}
			}
			mi.dims = []int{len(mi.Indices)}
		}
		m.items = append(m.items, mi)
		m.byKey[item.Key] = mi
	}
	return m, nil
}

// Keys of the monitored variables, in the order they were configured.
func (m *Monitor) Keys() []string {
	keys := make([]string, len(m.items))
	for ii, item := range m.items {
		keys[ii] = item.Key
	}
	return keys
}

// reset discards all records.
func (m *Monitor) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		item.times = item.times[:0]
		item.values = item.values[:0]
	}
}

// record the values of the monitored variables (given in the same order as the items) at time t, for the items
// whose interval has elapsed. eps is the tolerance used to compare times.
func (m *Monitor) record(t, eps float64, values []*tensors.Tensor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ii, item := range m.items {
		if item.Interval > 0 && len(item.times) > 0 && t+eps < item.times[len(item.times)-1]+item.Interval {
			continue
		}
		item.times = append(item.times, t)
		flat := values[ii].FlatRef()
		if len(item.Indices) == 0 {
			item.values = append(item.values, flat...)
			continue
		}
		for _, idx := range item.Indices {
			item.values = append(item.values, flat[idx])
		}
	}
}

// Get returns the recorded values of the variable key, shaped [numRecords, ...], where the remaining dimensions
// are the ones of the variable, or [len(Indices)] if indices were given.
func (m *Monitor) Get(key string) (*tensors.Tensor, error) {
	item, found := m.byKey[key]
	if !found {
		return nil, errors.Errorf("variable %q is not monitored", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dims := append([]int{len(item.times)}, item.dims...)
	return tensors.FromFloat64s(item.dtype, item.values, dims...), nil
}

// Times returns the times of the records of the variable key.
func (m *Monitor) Times(key string) ([]float64, error) {
	item, found := m.byKey[key]
	if !found {
		return nil, errors.Errorf("variable %q is not monitored", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(item.times), nil
}
