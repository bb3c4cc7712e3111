package types

import "fmt"

// FlyweightValue represents a MOO waif (lightweight object)
// WAIFs are prototype-based lightweight objects with properties
type FlyweightValue struct {
	class      ObjID             // The waif's class object
	owner      ObjID             // The waif's owner (programmer who created it)
	properties map[string]Value  // Property values
}

// NewFlyweight creates a new waif with the given class and owner
func NewFlyweight(class ObjID, owner ObjID) FlyweightValue {
	return FlyweightValue{
		class:      class,
		owner:      owner,
		properties: make(map[string]Value),
	}
}

// Type returns TYPE_FLYWEIGHT
func (w FlyweightValue) Type() TypeCode {
	return TYPE_FLYWEIGHT
}

// String returns the MOO literal representation of the waif
func (w FlyweightValue) String() string {
	// WAIFs don't have a simple literal representation
	return fmt.Sprintf("<waif #%d>", w.class)
}

// Equal checks if two waifs are equal
// Two waifs are equal when they have the same class and equal property
// maps; owner is not compared
func (w FlyweightValue) Equal(other Value) bool {
	otherWaif, ok := other.(FlyweightValue)
	if !ok {
		return false
	}
	return w.class == otherWaif.class && equalMaps(w.properties, otherWaif.properties)
}

// Truthy returns whether the waif is truthy
// In MOO, waifs are never truthy (only non-zero ints and non-empty strings)
func (w FlyweightValue) Truthy() bool {
	return false
}

// Class returns the waif's class object ID
func (w FlyweightValue) Class() ObjID {
	return w.class
}

// Owner returns the waif's owner object ID
func (w FlyweightValue) Owner() ObjID {
	return w.owner
}

// GetProperty returns a property value by name
func (w FlyweightValue) GetProperty(name string) (Value, bool) {
	val, ok := w.properties[name]
	return val, ok
}

// SetProperty sets a property value
func (w FlyweightValue) SetProperty(name string, value Value) FlyweightValue {
	// Copy-on-write semantics
	newProps := make(map[string]Value, len(w.properties)+1)
	for k, v := range w.properties {
		newProps[k] = v
	}
	newProps[name] = value
	return FlyweightValue{
		class:      w.class,
		owner:      w.owner,
		properties: newProps,
	}
}

// equalMaps checks if two property maps are equal
func equalMaps(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for key, valA := range a {
		valB, ok := b[key]
		if !ok || !valA.Equal(valB) {
			return false
		}
	}
	return true
}
