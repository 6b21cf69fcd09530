// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
)

// Zero sets all elements to 0, in place.
func (t *Tensor) Zero() {
	t.AssertValid()
	switch data := t.flat.(type) {
	case []float32:
		clear(data)
	case []float64:
		clear(data)
	case []float16.Float16:
		clear(data)
	case []bfloat16.BFloat16:
		clear(data)
	}
}

// Scale multiplies all elements by factor, in place.
func (t *Tensor) Scale(factor float64) {
	t.AssertValid()
	switch data := t.flat.(type) {
	case []float32:
		f := float32(factor)
		for ii := range data {
			data[ii] *= f
		}
	case []float64:
		floats.Scale(factor, data)
	case []float16.Float16:
		f := float32(factor)
		for ii, v := range data {
			data[ii] = float16.Fromfloat32(v.Float32() * f)
		}
	case []bfloat16.BFloat16:
		f := float32(factor)
		for ii, v := range data {
			data[ii] = bfloat16.FromFloat32(v.Float32() * f)
		}
	}
}

// Add adds other to t element-wise, in place. Both must have the same dtype and number of elements.
func (t *Tensor) Add(other *Tensor) error {
	return t.AddRange(other, 0, t.Size())
}

// AddRange adds the elements [start, end) of other into the same elements of t.
//
// It is used to split large reductions in chunks.
func (t *Tensor) AddRange(other *Tensor, start, end int) error {
	if err := t.checkCompatible(other); err != nil {
		return errors.WithMessage(err, "Tensor.Add")
	}
	if start < 0 || end > t.Size() || start > end {
		return errors.Errorf("Tensor.Add: invalid range [%d, %d) for %d elements", start, end, t.Size())
	}
	switch data := t.flat.(type) {
	case []float32:
		src := other.flat.([]float32)[start:end]
		for ii, v := range src {
			data[start+ii] += v
		}
	case []float64:
		floats.Add(data[start:end], other.flat.([]float64)[start:end])
	case []float16.Float16:
		src := other.flat.([]float16.Float16)[start:end]
		for ii, v := range src {
			data[start+ii] = float16.Fromfloat32(data[start+ii].Float32() + v.Float32())
		}
	case []bfloat16.BFloat16:
		src := other.flat.([]bfloat16.BFloat16)[start:end]
		for ii, v := range src {
			data[start+ii] = bfloat16.FromFloat32(data[start+ii].Float32() + v.Float32())
		}
	}
	return nil
}

// CopyFrom copies the contents of other into t. Both must have the same dtype and number of elements.
func (t *Tensor) CopyFrom(other *Tensor) error {
	if err := t.checkCompatible(other); err != nil {
		return errors.WithMessage(err, "Tensor.CopyFrom")
	}
	t.copyFlat(other)
	return nil
}

func (t *Tensor) copyFlat(other *Tensor) {
	switch data := t.flat.(type) {
	case []float32:
		copy(data, other.flat.([]float32))
	case []float64:
		copy(data, other.flat.([]float64))
	case []float16.Float16:
		copy(data, other.flat.([]float16.Float16))
	case []bfloat16.BFloat16:
		copy(data, other.flat.([]bfloat16.BFloat16))
	}
}

func (t *Tensor) checkCompatible(other *Tensor) error {
	if t.IsReleased() {
		return errors.New("destination tensor is released")
	}
	if other.IsReleased() {
		return errors.New("source tensor is released")
	}
	if t.dtype != other.dtype {
		return errors.Errorf("dtype mismatch: %s and %s", t.dtype, other.dtype)
	}
	if t.Size() != other.Size() {
		return errors.Errorf("size mismatch: %d and %d elements", t.Size(), other.Size())
	}
	return nil
}

// Float64s returns a copy of the elements converted to float64. Mostly used for tests and reporting.
func (t *Tensor) Float64s() []float64 {
	t.AssertValid()
	switch data := t.flat.(type) {
	case []float64:
		return slices.Clone(data)
	case []float32:
		out := make([]float64, len(data))
		for ii, v := range data {
			out[ii] = float64(v)
		}
		return out
	case []float16.Float16:
		out := make([]float64, len(data))
		for ii, v := range data {
			out[ii] = float64(v.Float32())
		}
		return out
	case []bfloat16.BFloat16:
		out := make([]float64, len(data))
		for ii, v := range data {
			out[ii] = float64(v.Float32())
		}
		return out
	}
	return nil
}

// ConvertTo returns a new tensor with the values of t converted to dtype.
// If dtype is the same as t's, it returns a clone.
func (t *Tensor) ConvertTo(dtype dtypes.DType) *Tensor {
	t.AssertValid()
	if dtype == t.dtype {
		return t.Clone()
	}
	values := t.Float64s()
	c := FromShape(dtype, t.dimensions...)
	switch data := c.flat.(type) {
	case []float32:
		for ii, v := range values {
			data[ii] = float32(v)
		}
	case []float64:
		copy(data, values)
	case []float16.Float16:
		for ii, v := range values {
			data[ii] = float16.Fromfloat32(float32(v))
		}
	case []bfloat16.BFloat16:
		for ii, v := range values {
			data[ii] = bfloat16.FromFloat32(float32(v))
		}
	}
	return c
}

// Sum returns the sum of all elements as a float64.
func (t *Tensor) Sum() float64 {
	return floats.Sum(t.Float64s())
}
