package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/neurodyn/pkg/support/fsutil"
	"github.com/gomlx/neurodyn/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Settings holds named simulation parameters with their default values, in the order they were defined.
// The default values also define the type to which new values are parsed, see ParseSettings.
type Settings struct {
	keys   []string
	values map[string]any
}

// NewSettings creates an empty set of settings.
func NewSettings() *Settings {
	return &Settings{values: make(map[string]any)}
}

// Set the value of a parameter, defining it if it doesn't exist yet. It returns itself, so calls can be chained.
func (s *Settings) Set(key string, value any) *Settings {
	if _, found := s.values[key]; !found {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
	return s
}

// Get the value of a parameter.
func (s *Settings) Get(key string) (value any, found bool) {
	value, found = s.values[key]
	return
}

// Keys returns the parameters names in the order they were defined.
func (s *Settings) Keys() []string {
	return slices.Clone(s.keys)
}

// GetValue returns the value of the parameter converted to T. It panics if the parameter is not defined or
// if it is of a different type.
func GetValue[T any](s *Settings, key string) T {
	value, found := s.values[key]
	if !found {
		exceptions.Panicf("setting %q is not defined", key)
	}
	t, ok := value.(T)
	if !ok {
		var zero T
		exceptions.Panicf("setting %q is of type %T, not %T", key, value, zero)
	}
	return t
}

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in s. The default values are also used to set the type to which the string values will be parsed to.
//
// It returns the list of parameters set, and an error in case a parameter is unknown or the parsing failed.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// Example usage:
//
//	func main() {
//		settings := commandline.NewSettings().Set("duration", 100.0).Set("num_exc", 3200)
//		settingsFlag := commandline.CreateSettingsFlag(settings, "")
//		flag.Parse()
//		paramsSet, err := commandline.ParseSettings(settings, *settingsFlag)
//		if err != nil { panic(err) }
//		fmt.Println(commandline.SprintModifiedSettings(settings, paramsSet))
//		...
//	}
func ParseSettings(s *Settings, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(s, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(s *Settings, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		// Read parameters from a file.
		var filePath string
		filePath, err = fsutil.ResolvePath(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, setting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(s, setting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	key, valueStr = strings.TrimSpace(key), strings.TrimSpace(valueStr)
	value, found := s.values[key]
	if !found {
		err = errors.Errorf("can't set parameter %q because it is not known, known parameters are %q", key, s.keys)
		return
	}

	// Parse value accordingly.
	switch v := value.(type) {
	case int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int32:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case uint64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float32:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []string:
		value = strings.Split(valueStr, ",")
	case []int:
		value = xslices.Map(strings.Split(valueStr, ","), func(str string) int {
			var asInt int
			if newErr := json.Unmarshal([]byte(strings.ReplaceAll(str, "_", "")), &asInt); newErr != nil {
				err = newErr
			}
			return asInt
		})
	case []float64:
		value = xslices.Map(strings.Split(valueStr, ","), func(str string) float64 {
			var asNum float64
			if newErr := json.Unmarshal([]byte(str), &asNum); newErr != nil {
				err = newErr
			}
			return asNum
		})
	default:
		err = errors.Errorf("don't know how to parse type %T for setting parameter %q", value, setting)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, key, s.values[key])
		return
	}
	s.values[key] = value
	newParamsSet = append(newParamsSet, key)
	return
}

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the parameters defined in s.
//
// The flag should be created before the call to `flag.Parse()`. See example in ParseSettings.
func CreateSettingsFlag(s *Settings, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set simulation parameters. ` +
			`It should be a list of elements "param=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available parameters that can be set:`,
	}
	for _, key := range s.keys {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, s.values[key]))
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintSettings pretty-print values for the current settings into a string.
func SprintSettings(s *Settings) string {
	parts := make([]string, 0, len(s.keys))
	for _, key := range s.keys {
		value := s.values[key]
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}

// SprintModifiedSettings pretty-print the values of the parameters in paramsSet, as returned by ParseSettings.
func SprintModifiedSettings(s *Settings, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	parts := make([]string, 0, len(paramsSet))
	for _, key := range paramsSet {
		value, found := s.values[key]
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}
