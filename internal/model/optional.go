package model

import (
	"encoding/json"
)

// Optional is a tri-state field used by partial updates. It distinguishes a
// field that was omitted from one explicitly set to null and one carrying a
// value. The zero value is absent.
type Optional[T any] struct {
	value   T
	set     bool
	present bool
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true, present: true}
}

// Null returns an Optional that is explicitly null.
func Null[T any]() Optional[T] {
	return Optional[T]{set: true}
}

// IsSet reports whether the field was supplied at all, null included.
func (o Optional[T]) IsSet() bool {
	return o.set
}

// IsNull reports whether the field was supplied as an explicit null.
func (o Optional[T]) IsNull() bool {
	return o.set && !o.present
}

// Get returns the held value and whether one is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.present
}

// Ptr returns a pointer to a copy of the value, or nil when absent or null.
func (o Optional[T]) Ptr() *T {
	if !o.present {
		return nil
	}
	v := o.value
	return &v
}

// UnmarshalJSON is only invoked for keys present in the document, which is
// what marks the field as set.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.set = true
	if string(data) == "null" {
		var zero T
		o.value = zero
		o.present = false
		return nil
	}
	if err := json.Unmarshal(data, &o.value); err != nil {
		return err
	}
	o.present = true
	return nil
}

// MarshalJSON writes the value, or null when absent or null.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.present {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}
