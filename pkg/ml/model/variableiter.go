package model

import (
	"cmp"
	"fmt"
	"iter"
	"reflect"
	"slices"

	"github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/support/sets"
	"github.com/pkg/errors"
)

// PathAndVariable refers to a variable within a model struct, at the "Path" location.
// See details in IterVariables.
type PathAndVariable struct {
	Path     string
	Variable *Variable
}

var variableType = reflect.TypeOf((*Variable)(nil)).Elem()

// IterVariables returns an iterator over the model's non-nil variables, performing a "depth first search" into the model,
// in a deterministic order (always the same for the same contents).
//
// Struct fields (exported or not) are iterated in the order they are defined in the struct. Maps are iterated
// in alphabetic order of their keys. Pointers already visited are skipped, so cyclic structures are fine, and
// a variable reachable by different paths is yielded only once, with the first path found.
//
// It yields PathAndVariable objects, with the path to the variable within the model structure, and its variable
// pointer.
//
// Example:
//
//	type A struct { a0, a1 *Variable }
//	type B struct { manyA []*A }
//	b := &B{manyA: []*A{&A{a0: v0, a1: v1}, &A{a0: v2, a1: v3}}}
//	IterVariables(b) -> { "manyA[0].a0", v0 }, { "manyA[0].a1", v1 }, { "manyA[1].a0", v2 }, { "manyA[1].a1", v3 }
//
// It may return an error if the model is invalid: Variable is included by value (as opposed to by reference/pointer);
// invalid map keys (only maps with string and numbers are accepted).
func IterVariables(model any) iter.Seq2[PathAndVariable, error] {
	return func(yield func(PathAndVariable, error) bool) {
		walkModel(model, func(path string, v reflect.Value) (descend, ok bool) {
			if v.Kind() == reflect.Pointer && v.Type().Elem() == variableType {
				return false, yield(PathAndVariable{Path: path, Variable: (*Variable)(v.UnsafePointer())}, nil)
			}
			return true, true
		}, func(err error) {
			yield(PathAndVariable{}, err)
		})
	}
}

// CollectVariables returns a Collector with all the variables of model, keyed by their path. See IterVariables.
func CollectVariables(model any) (*Collector, error) {
	c := NewCollector()
	for pv, err := range IterVariables(model) {
		if err != nil {
			return nil, err
		}
		if err = c.Add(pv.Path, pv.Variable); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// WalkVisitor is called for every non-nil pointer found while walking a model, the first time it is found.
// It returns whether to descend into the pointed value, and whether to continue the walk at all.
type WalkVisitor func(path string, v reflect.Value) (descend, ok bool)

// Walk performs the same depth-first search as IterVariables, calling visit for every value reached.
// Other packages use it to discover their own object types (e.g.: sub-models) within a model.
//
// Values obtained from unexported fields can't be converted with reflect.Value.Interface: use
// reflect.Value.UnsafePointer for pointers instead.
func Walk(model any, visit WalkVisitor) error {
	var firstErr error
	walkModel(model, visit, func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

var (
	graphPkgPath  = reflect.TypeOf((*graph.Graph)(nil)).Elem().PkgPath()
	execType      = reflect.TypeOf((*Exec)(nil)).Elem()
	collectorType = reflect.TypeOf((*Collector)(nil)).Elem()
)

// isOpaqueType returns whether values of the type are never descended into: executors, collectors and graph
// objects reference variables, but don't own them.
func isOpaqueType(t reflect.Type) bool {
	return t.PkgPath() == graphPkgPath || t == execType || t == collectorType
}

func walkModel(model any, visit WalkVisitor, reportErr func(error)) {
	// Pointers are keyed with their type: a pointer to a struct and to its first field share the address.
	type typedPointer struct {
		pointer uintptr
		t       reflect.Type
	}
	seen := sets.Make[typedPointer]()
	var iterStruct func(v reflect.Value, path string) bool
	var iterSliceOrArray func(v reflect.Value, pathPrefix string) bool
	var iterMap func(v reflect.Value, pathPrefix string) bool
	var iterValue func(v reflect.Value, path string) bool

	// Helper to check if the pointer was already visited to avoid cycles.
	checkPtr := func(v reflect.Value) bool {
		key := typedPointer{v.Pointer(), v.Type()}
		if seen.Has(key) {
			return false
		}
		seen.Insert(key)
		return true
	}

	// Iterate over the values of a map, in alphabetic order.
	iterMap = func(v reflect.Value, pathPrefix string) bool {
		if v.IsNil() {
			return true
		}
		originalKeys := v.MapKeys()
		stringKeys := make([]string, len(originalKeys))
		for ii, k := range originalKeys {
			switch k.Kind() {
			case reflect.String:
				stringKeys[ii] = k.String()
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
				stringKeys[ii] = fmt.Sprintf("%d", k.Int())
			case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
				stringKeys[ii] = fmt.Sprintf("%d", k.Uint())
			default:
				reportErr(errors.Errorf("map key type %v not supported at path %q", k.Type(), pathPrefix))
				return false
			}
		}
		// Sort both keys at the same time, by the stringKeys.
		indices := make([]int, len(originalKeys))
		for ii := range indices {
			indices[ii] = ii
		}
		slices.SortFunc(indices, func(i, j int) int { return cmp.Compare(stringKeys[i], stringKeys[j]) })
		for _, index := range indices {
			value := v.MapIndex(originalKeys[index])
			newPath := fmt.Sprintf("%s[%s]", pathPrefix, stringKeys[index])
			if !iterValue(value, newPath) {
				return false
			}
		}
		return true
	}

	// Iterate over the values of a slice or array.
	iterSliceOrArray = func(v reflect.Value, pathPrefix string) bool {
		for ii := 0; ii < v.Len(); ii++ {
			newPath := fmt.Sprintf("%s[%d]", pathPrefix, ii)
			if !iterValue(v.Index(ii), newPath) {
				return false
			}
		}
		return true
	}

	// Iterate over the fields of a structure in definition order. Embedded (anonymous) structs are flattened:
	// their fields take the path of the embedding struct.
	iterStruct = func(v reflect.Value, path string) bool {
		t := v.Type()
		for fieldIdx := range t.NumField() {
			field := v.Field(fieldIdx)
			fieldT := t.Field(fieldIdx)
			newPath := path
			if !fieldT.Anonymous {
				if path != "" {
					newPath += "."
				}
				newPath += fieldT.Name
			}
			if !iterValue(field, newPath) {
				return false
			}
		}
		return true
	}

	// Iterate over one value.
	iterValue = func(v reflect.Value, path string) bool {
		switch v.Kind() {
		case reflect.Pointer:
			if v.IsNil() {
				return true
			}
			if !checkPtr(v) || isOpaqueType(v.Type().Elem()) {
				return true
			}
			descend, ok := visit(path, v)
			if !ok {
				return false
			}
			if !descend {
				return true
			}
			return iterValue(v.Elem(), path)

		case reflect.Interface:
			if v.IsNil() {
				return true
			}
			return iterValue(v.Elem(), path)

		case reflect.Struct:
			if v.Type() == variableType {
				reportErr(errors.Errorf("model has Variable passed by value, at path %q", path))
				return false
			}
			return iterStruct(v, path)

		case reflect.Slice, reflect.Array:
			return iterSliceOrArray(v, path)

		case reflect.Map:
			return iterMap(v, path)

		default:
			return true
		}
	}

	// Start recursive descent from root.
	iterValue(reflect.ValueOf(model), "")
}
