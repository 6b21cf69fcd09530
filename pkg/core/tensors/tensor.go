// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a flat host-memory array with a data type and dimensions,
// used to hold parameter values, gradients and the contiguous gradient buckets.
//
// A Tensor can be a view over a range of another Tensor's storage: that is how gradients are
// packed into a bucket buffer. Writes through the view are visible in the owner, and vice-versa.
//
// Only floating point dtypes are supported: Float16, BFloat16, Float32 and Float64.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(dtype, dimensions...): zero-initialized tensor.
//   - FromScalarAndDimensions[T Supported](value T, dimensions...): all elements set to value.
//   - FromFlatDataAndDimensions[T Supported](data []T, dimensions...): takes ownership of data.
//
// A Tensor can be released (Release), which drops its storage. Any further access to the data of a
// released Tensor panics, except IsReleased.
package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// Supported lists the Go types that can back a Tensor.
type Supported interface {
	float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// IsSupported returns whether tensors can be created with the given dtype.
func IsSupported(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
		return true
	}
	return false
}

// Tensor is a multidimensional array stored as a flat slice of its dtype.
type Tensor struct {
	dtype      dtypes.DType
	dimensions []int

	// flat is a []T for the Go type of dtype. It is nil once the tensor is released.
	flat any

	// isView indicates flat is a sub-slice of another tensor's storage.
	isView bool
}

// FromShape returns a Tensor with the given dtype and dimensions, initialized with zeros.
//
// It panics if the dtype is not supported or a dimension is negative.
func FromShape(dtype dtypes.DType, dimensions ...int) *Tensor {
	size := sizeOf(dimensions)
	return &Tensor{
		dtype:      dtype,
		dimensions: slices.Clone(dimensions),
		flat:       makeFlat(dtype, size),
	}
}

// FromFlatDataAndDimensions creates a Tensor with the given dimensions that takes ownership of data.
//
// It panics if len(data) doesn't match the dimensions.
func FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int) *Tensor {
	size := sizeOf(dimensions)
	if len(data) != size {
		exceptions.Panicf("FromFlatDataAndDimensions: data has %d elements, but dimensions %v require %d",
			len(data), dimensions, size)
	}
	return &Tensor{
		dtype:      dtypeFor[T](),
		dimensions: slices.Clone(dimensions),
		flat:       data,
	}
}

// FromScalarAndDimensions creates a Tensor with the given dimensions and all elements set to value.
func FromScalarAndDimensions[T Supported](value T, dimensions ...int) *Tensor {
	data := make([]T, sizeOf(dimensions))
	for ii := range data {
		data[ii] = value
	}
	return FromFlatDataAndDimensions(data, dimensions...)
}

func sizeOf(dimensions []int) int {
	size := 1
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("tensors: negative dimension in %v", dimensions)
		}
		size *= dim
	}
	return size
}

func dtypeFor[T Supported]() dtypes.DType {
	var t T
	switch any(t).(type) {
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	case float16.Float16:
		return dtypes.Float16
	case bfloat16.BFloat16:
		return dtypes.BFloat16
	}
	return dtypes.InvalidDType
}

func makeFlat(dtype dtypes.DType, size int) any {
	switch dtype {
	case dtypes.Float32:
		return make([]float32, size)
	case dtypes.Float64:
		return make([]float64, size)
	case dtypes.Float16:
		return make([]float16.Float16, size)
	case dtypes.BFloat16:
		return make([]bfloat16.BFloat16, size)
	}
	exceptions.Panicf("tensors: dtype %s not supported", dtype)
	return nil
}

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Dimensions returns a copy of the tensor dimensions.
func (t *Tensor) Dimensions() []int { return slices.Clone(t.dimensions) }

// Size returns the number of elements.
func (t *Tensor) Size() int { return sizeOf(t.dimensions) }

// Memory returns the number of bytes used by the elements of the tensor.
func (t *Tensor) Memory() uintptr {
	return uintptr(t.Size() * t.dtype.Size())
}

// IsView returns whether the tensor shares the storage of another tensor.
func (t *Tensor) IsView() bool { return t.isView }

// IsReleased returns whether the tensor storage has been dropped.
func (t *Tensor) IsReleased() bool { return t == nil || t.flat == nil }

// Release drops the reference to the tensor storage. For views, the owner's storage is not affected.
//
// It is a no-op on a released tensor.
func (t *Tensor) Release() {
	t.flat = nil
}

// AssertValid panics if the tensor is nil or released.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensors: nil tensor")
	}
	if t.flat == nil {
		exceptions.Panicf("tensors: tensor (%s%v) already released", t.dtype, t.dimensions)
	}
}

// View returns a tensor sharing the storage of t from the element offset, with the given dimensions.
//
// It panics if the view doesn't fit in t.
func (t *Tensor) View(offset int, dimensions ...int) *Tensor {
	t.AssertValid()
	size := sizeOf(dimensions)
	if offset < 0 || offset+size > t.Size() {
		exceptions.Panicf("tensors: view [%d, %d) out of range for tensor of %d elements", offset, offset+size, t.Size())
	}
	var flat any
	switch data := t.flat.(type) {
	case []float32:
		flat = data[offset : offset+size : offset+size]
	case []float64:
		flat = data[offset : offset+size : offset+size]
	case []float16.Float16:
		flat = data[offset : offset+size : offset+size]
	case []bfloat16.BFloat16:
		flat = data[offset : offset+size : offset+size]
	}
	return &Tensor{
		dtype:      t.dtype,
		dimensions: slices.Clone(dimensions),
		flat:       flat,
		isView:     true,
	}
}

// Clone returns a copy of the tensor with its own storage.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	c := FromShape(t.dtype, t.dimensions...)
	c.copyFlat(t)
	return c
}

// String implements fmt.Stringer. Large tensors are abbreviated.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil>"
	}
	if t.flat == nil {
		return fmt.Sprintf("(%s%v)[released]", t.dtype, t.dimensions)
	}
	values := t.Float64s()
	const maxValues = 8
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(%s%v)[", t.dtype, t.dimensions)
	for ii, v := range values {
		if ii == maxValues {
			sb.WriteString(" ...")
			break
		}
		if ii > 0 {
			sb.WriteString(" ")
		}
		_, _ = fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteString("]")
	return sb.String()
}

// ConstFlatData calls accessFn with the flat data of the tensor. The data must not be modified.
//
// It panics if T doesn't match the tensor dtype or if the tensor was released.
func ConstFlatData[T Supported](t *Tensor, accessFn func(flat []T)) {
	accessFn(flatAs[T](t))
}

// MutableFlatData calls accessFn with the flat data of the tensor, which can be modified in place.
func MutableFlatData[T Supported](t *Tensor, accessFn func(flat []T)) {
	accessFn(flatAs[T](t))
}

// CopyFlatData returns a copy of the flat data of the tensor.
func CopyFlatData[T Supported](t *Tensor) []T {
	return slices.Clone(flatAs[T](t))
}

func flatAs[T Supported](t *Tensor) []T {
	t.AssertValid()
	flat, ok := t.flat.([]T)
	if !ok {
		var zero T
		exceptions.Panicf("tensors: tensor has dtype %s, cannot access it as %T", t.dtype, zero)
	}
	return flat
}
