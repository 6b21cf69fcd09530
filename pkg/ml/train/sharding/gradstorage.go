// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardgrad/pkg/core/tensors"
	"github.com/gomlx/shardgrad/pkg/ml/model"
	"k8s.io/klog/v2"
)

// gradSlot is the position of one parameter's gradient in a GradStorage buffer.
type gradSlot struct {
	param  *model.Parameter
	offset int
	align  int
}

// GradStorage is a contiguous buffer holding the gradients of several parameters that share the same dtype
// and the same destination (owner) rank, so they are reduced with one collective operation.
//
// Mapped parameters have their gradient set to a view of the buffer.
// The buffer can be released (non-owner ranks do it after the reduction) and rebuilt, while the mapping of
// parameters is preserved.
type GradStorage struct {
	dtype       dtypes.DType
	destination int
	capacity    int // In elements.
	device      string

	buffer *tensors.Tensor
	slots  []gradSlot
	fill   int

	checkedIn int
	sent      bool
}

// NewGradStorage creates a GradStorage for up to capacity elements of the given dtype, whose gradients are owned
// by the destination rank.
//
// It panics if capacity is negative.
func NewGradStorage(capacity int, dtype dtypes.DType, device string, destination int) *GradStorage {
	if capacity < 0 {
		exceptions.Panicf("NewGradStorage: invalid capacity %d", capacity)
	}
	return &GradStorage{
		dtype:       dtype,
		destination: destination,
		capacity:    capacity,
		device:      device,
		buffer:      tensors.FromShape(dtype, capacity),
	}
}

// DType of the gradients stored.
func (s *GradStorage) DType() dtypes.DType { return s.dtype }

// Destination is the rank that owns the gradients of the storage.
func (s *GradStorage) Destination() int { return s.destination }

// Capacity in number of elements.
func (s *GradStorage) Capacity() int { return s.capacity }

// Fill returns the number of elements used, including alignment padding.
func (s *GradStorage) Fill() int { return s.fill }

// Device where the buffer currently lives.
func (s *GradStorage) Device() string { return s.device }

// Buffer returns the contiguous buffer, or nil if it is released.
func (s *GradStorage) Buffer() *tensors.Tensor {
	if s.buffer.IsReleased() {
		return nil
	}
	return s.buffer
}

// IsReleased returns whether the buffer was released.
func (s *GradStorage) IsReleased() bool { return s.buffer.IsReleased() }

// Memory returns the number of bytes held by the buffer, 0 if released.
func (s *GradStorage) Memory() uintptr {
	if s.buffer.IsReleased() {
		return 0
	}
	return s.buffer.Memory()
}

// Params returns the mapped parameters, in order of admission.
func (s *GradStorage) Params() []*model.Parameter {
	params := make([]*model.Parameter, len(s.slots))
	for ii, slot := range s.slots {
		params[ii] = slot.param
	}
	return params
}

// Offset returns the offset (in elements) of the parameter p in the buffer, and whether it's mapped.
func (s *GradStorage) Offset(p *model.Parameter) (offset int, found bool) {
	for _, slot := range s.slots {
		if slot.param == p {
			return slot.offset, true
		}
	}
	return 0, false
}

// CanAdmit returns whether p, followed by align elements of padding, fits in the remaining space.
func (s *GradStorage) CanAdmit(p *model.Parameter, align int) bool {
	if p.DType() != s.dtype || align < 0 {
		return false
	}
	if _, found := s.Offset(p); found {
		return false
	}
	return s.fill+p.Size()+align <= s.capacity
}

// Admit maps p's gradient to the next free offset of the buffer, reserving align elements of padding after it.
// If p already has a gradient its contents are copied to the buffer.
//
// It panics if p doesn't fit, see CanAdmit.
func (s *GradStorage) Admit(p *model.Parameter, align int) {
	if !s.CanAdmit(p, align) {
		exceptions.Panicf("GradStorage(%s, dst=%d): cannot admit %s with alignment %d: fill %d of %d",
			s.dtype, s.destination, p, align, s.fill, s.capacity)
	}
	slot := gradSlot{param: p, offset: s.fill, align: align}
	s.slots = append(s.slots, slot)
	s.fill += p.Size() + align
	if !s.buffer.IsReleased() {
		s.mapGrad(slot, true)
	}
}

// mapGrad sets the gradient of the slot's parameter to its view of the buffer.
func (s *GradStorage) mapGrad(slot gradSlot, keepContents bool) {
	view := s.buffer.View(slot.offset, slot.param.Dimensions()...)
	if keepContents {
		if previous := slot.param.Grad(); previous != nil {
			if err := view.CopyFrom(previous); err != nil {
				exceptions.Panicf("GradStorage: failed to copy gradient of %s: %+v", slot.param, err)
			}
		}
	}
	if err := slot.param.SetGrad(view); err != nil {
		exceptions.Panicf("GradStorage: failed to map gradient of %s: %+v", slot.param, err)
	}
}

// CheckIn registers that one more mapped gradient is ready for this step.
func (s *GradStorage) CheckIn() { s.checkedIn++ }

// CheckedIn returns the number of gradients that checked in this step.
func (s *GradStorage) CheckedIn() int { return s.checkedIn }

// AllCheckedIn returns whether all mapped gradients checked in this step.
func (s *GradStorage) AllCheckedIn() bool { return s.checkedIn == len(s.slots) }

// MarkSent marks the buffer as submitted for reduction in this step.
// It returns false, and does nothing, if it was already sent.
func (s *GradStorage) MarkSent() bool {
	if s.sent {
		return false
	}
	s.sent = true
	return true
}

// Sent returns whether the buffer was already submitted for reduction in this step.
func (s *GradStorage) Sent() bool { return s.sent }

// ResetCheckedIn prepares the storage for a new step: it zeroes the check-in counter and clears the sent flag.
func (s *GradStorage) ResetCheckedIn() {
	s.checkedIn = 0
	s.sent = false
}

// Reset is like ResetCheckedIn, but it also rebuilds the buffer if it was released.
func (s *GradStorage) Reset() {
	s.ResetCheckedIn()
	s.Rebuild()
}

// Release drops the buffer and the gradients of the mapped parameters. The mapping is preserved, and
// Rebuild restores it.
func (s *GradStorage) Release() {
	for _, slot := range s.slots {
		slot.param.ClearGrad()
	}
	if !s.buffer.IsReleased() {
		s.buffer.Release()
	}
}

// Rebuild allocates a new zeroed buffer, if the current one was released, and maps the gradients of the
// parameters to it again.
func (s *GradStorage) Rebuild() {
	if !s.buffer.IsReleased() {
		return
	}
	s.buffer = tensors.FromShape(s.dtype, s.capacity)
	for _, slot := range s.slots {
		s.mapGrad(slot, false)
	}
}

// MoveTo moves the buffer to the device.
//
// Buffers are host tensors, so only the device tag changes.
func (s *GradStorage) MoveTo(device string) {
	if device == s.device {
		return
	}
	klog.V(2).Infof("%s: moving to device %q", s, device)
	s.device = device
}

// String implements fmt.Stringer.
func (s *GradStorage) String() string {
	return fmt.Sprintf("GradStorage(%s, dst=%d, %d params, fill %d/%d)",
		s.dtype, s.destination, len(s.slots), s.fill, s.capacity)
}
