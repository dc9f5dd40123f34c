package base

import (
	"fmt"
	"sync"
	"unicode"
	"weak"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNameNotUnique is returned when a name is already bound to another object.
	ErrNameNotUnique = errors.New("name is not unique")

	// ErrInvalidName is returned when a name is not a valid identifier.
	ErrInvalidName = errors.New("name is not a valid identifier")
)

// nameRegistry binds names to objects, and keeps counters per type name for UniqueName.
//
// Objects are held by weak pointers: the name of an object that was garbage collected can be reused.
type nameRegistry struct {
	mu         sync.Mutex
	nameToObj  map[string]weak.Pointer[Base]
	typeCounts map[string]int
}

var registry = &nameRegistry{
	nameToObj:  make(map[string]weak.Pointer[Base]),
	typeCounts: make(map[string]int),
}

// UniqueName returns a new name for an object of the given type name: "<typeName><counter>",
// where the counter starts at 0 for each type name.
//
// The name is not bound to any object: that happens with CheckNameUniqueness.
func UniqueName(typeName string) string {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	count := registry.typeCounts[typeName]
	registry.typeCounts[typeName] = count + 1
	return fmt.Sprintf("%s%d", typeName, count)
}

// IsIdentifier returns whether name is a valid identifier: a letter or "_" followed by letters, digits or "_".
func IsIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for ii, r := range name {
		if r == '_' || unicode.IsLetter(r) {
			continue
		}
		if ii > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return true
}

// CheckNameUniqueness binds name to the object b, if it is not yet bound to another object.
//
// It returns an error wrapping ErrInvalidName if the name is not an identifier, or ErrNameNotUnique if the
// name is already used by another (live) object. Binding the same name to the same object again is fine.
func CheckNameUniqueness(name string, b *Base) error {
	if !IsIdentifier(name) {
		return errors.Wrapf(ErrInvalidName, "%q isn't a valid identifier, please choose another name", name)
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if bound, found := registry.nameToObj[name]; found {
		if owner := bound.Value(); owner != nil && owner != b {
			return errors.Wrapf(ErrNameNotUnique, "each object should have a unique name, but %q is already used", name)
		}
	}
	registry.nameToObj[name] = weak.Make(b)
	return nil
}

// ClearNameCache forgets all names bound to objects, and resets the counters used by UniqueName.
func ClearNameCache() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	clear(registry.nameToObj)
	clear(registry.typeCounts)
	klog.Warningf("All named objects and their names were cleared.")
}
