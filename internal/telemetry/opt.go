package telemetry

import (
	"bytes"
	"encoding/json"
)

type optState uint8

const (
	optAbsent optState = iota
	optNull
	optSet
)

// Opt is a snapshot attribute that distinguishes "not sent" from "sent as
// null" from "sent with a value". Only decoded keys leave the absent state.
type Opt[T any] struct {
	value T
	state optState
}

// Some returns an Opt holding v.
func Some[T any](v T) Opt[T] {
	return Opt[T]{value: v, state: optSet}
}

// Null returns an Opt that was explicitly cleared.
func Null[T any]() Opt[T] {
	return Opt[T]{state: optNull}
}

// Get returns the value and whether one is set.
func (o Opt[T]) Get() (T, bool) {
	return o.value, o.state == optSet
}

// Or returns the value, or def when the field is absent or null.
func (o Opt[T]) Or(def T) T {
	if o.state == optSet {
		return o.value
	}
	return def
}

// IsSet reports whether the field holds a value.
func (o Opt[T]) IsSet() bool { return o.state == optSet }

// IsNull reports whether the field was explicitly cleared.
func (o Opt[T]) IsNull() bool { return o.state == optNull }

// Present reports whether the field was sent at all (value or null).
func (o Opt[T]) Present() bool { return o.state != optAbsent }

// IsZero lets encoding/json's omitzero drop absent fields.
func (o Opt[T]) IsZero() bool { return o.state == optAbsent }

// overlay applies o on top of dst using partial-update rules: absent keeps
// dst, null clears it, a value replaces it.
func (o Opt[T]) overlay(dst *Opt[T]) {
	if o.state == optAbsent {
		return
	}
	*dst = o
}

func (o *Opt[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		var zero T
		o.value = zero
		o.state = optNull
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.value = v
	o.state = optSet
	return nil
}

func (o Opt[T]) MarshalJSON() ([]byte, error) {
	if o.state != optSet {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}
