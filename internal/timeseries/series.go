// Package timeseries reshapes record rows into column-oriented series.
package timeseries

import (
	"bytes"
	"encoding/json"
	"reflect"
)

// Series is a read-only column of values. A nil element means "no value".
type Series interface {
	Len() int
	At(i int) any
	Slice(from, to int) Series
	Contains(v any) bool
	// IndexOf returns the first index holding v, or -1.
	IndexOf(v any) int
	json.Marshaler
}

// Values is a dense series.
type Values []any

func (s Values) Len() int     { return len(s) }
func (s Values) At(i int) any { return s[i] }

func (s Values) Slice(from, to int) Series { return s[from:to] }

func (s Values) Contains(v any) bool { return s.IndexOf(v) >= 0 }

func (s Values) IndexOf(v any) int {
	for i, x := range s {
		if equal(x, v) {
			return i
		}
	}
	return -1
}

// MarshalJSON encodes an empty series as [] rather than null.
func (s Values) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]any(s))
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

// NullSeries is a column of n missing values that holds no per-element
// storage.
type NullSeries int

func (s NullSeries) Len() int { return int(s) }

func (s NullSeries) At(i int) any {
	if i < 0 || i >= int(s) {
		panic("timeseries: index out of range")
	}
	return nil
}

func (s NullSeries) Slice(from, to int) Series {
	if from < 0 || to < from || to > int(s) {
		panic("timeseries: slice bounds out of range")
	}
	return NullSeries(to - from)
}

func (s NullSeries) Contains(v any) bool { return s > 0 && v == nil }

func (s NullSeries) IndexOf(v any) int {
	if s.Contains(v) {
		return 0
	}
	return -1
}

func (s NullSeries) MarshalJSON() ([]byte, error) {
	if s <= 0 {
		return []byte("[]"), nil
	}
	var buf bytes.Buffer
	buf.Grow(int(s)*5 + 1)
	buf.WriteByte('[')
	for i := range int(s) {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString("null")
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
