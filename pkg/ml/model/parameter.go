// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardgrad/pkg/core/tensors"
	"github.com/pkg/errors"
)

// GradHook is notified when the gradient of a parameter is ready, during the backward pass.
type GradHook interface {
	OnGradReady(p *Parameter) error
}

// GradHookFn adapts a function to a GradHook.
type GradHookFn func(p *Parameter) error

// OnGradReady implements GradHook.
func (fn GradHookFn) OnGradReady(p *Parameter) error { return fn(p) }

// Parameter is a named model variable, with an optional gradient.
//
// The gradient can be absent (nil), owned by the parameter, or a view into a larger buffer (see SetGrad).
type Parameter struct {
	name       string
	dtype      dtypes.DType
	dimensions []int
	trainable  bool
	value      *tensors.Tensor
	grad       *tensors.Tensor

	hooks      []*HookHandle
	nextHookID int
}

// NewParameter creates a trainable parameter with the given initial value.
func NewParameter(name string, value *tensors.Tensor) *Parameter {
	value.AssertValid()
	return &Parameter{
		name:       name,
		dtype:      value.DType(),
		dimensions: value.Dimensions(),
		trainable:  true,
		value:      value,
	}
}

// Name of the parameter.
func (p *Parameter) Name() string { return p.name }

// DType of the parameter and its gradient.
func (p *Parameter) DType() dtypes.DType { return p.dtype }

// Dimensions of the parameter and its gradient.
func (p *Parameter) Dimensions() []int { return p.value.Dimensions() }

// Size returns the number of elements of the parameter.
func (p *Parameter) Size() int {
	size := 1
	for _, dim := range p.dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes of the parameter (and of its gradient).
func (p *Parameter) Memory() uintptr {
	return uintptr(p.Size() * p.dtype.Size())
}

// Trainable returns whether the parameter is being trained.
func (p *Parameter) Trainable() bool { return p.trainable }

// SetTrainable freezes (false) or unfreezes (true) the parameter.
func (p *Parameter) SetTrainable(trainable bool) { p.trainable = trainable }

// Value of the parameter.
func (p *Parameter) Value() *tensors.Tensor { return p.value }

// Grad returns the current gradient, or nil if it's absent.
func (p *Parameter) Grad() *tensors.Tensor {
	if p.grad.IsReleased() {
		return nil
	}
	return p.grad
}

// HasGrad returns whether the gradient is present.
func (p *Parameter) HasGrad() bool { return !p.grad.IsReleased() }

// SetGrad sets the gradient tensor, which must have the dtype and number of elements of the parameter.
// It is usually a view into a contiguous gradient buffer.
func (p *Parameter) SetGrad(grad *tensors.Tensor) error {
	if grad.IsReleased() {
		return errors.Errorf("parameter %q: cannot set a released gradient", p.name)
	}
	if grad.DType() != p.dtype || grad.Size() != p.Size() {
		return errors.Errorf("parameter %q (%s, %d elements): invalid gradient (%s, %d elements)",
			p.name, p.dtype, p.Size(), grad.DType(), grad.Size())
	}
	p.grad = grad
	return nil
}

// ClearGrad releases the gradient: afterward it is absent.
func (p *Parameter) ClearGrad() {
	if p.grad != nil {
		p.grad.Release()
		p.grad = nil
	}
}

// AccumulateGrad adds g to the gradient, allocating it if absent.
// This is what a backward pass does for each parameter.
func (p *Parameter) AccumulateGrad(g *tensors.Tensor) error {
	if p.grad.IsReleased() {
		if g.DType() != p.dtype || g.Size() != p.Size() {
			return errors.Errorf("parameter %q (%s, %d elements): invalid gradient (%s, %d elements)",
				p.name, p.dtype, p.Size(), g.DType(), g.Size())
		}
		p.grad = g.Clone()
		return nil
	}
	return errors.WithMessagef(p.grad.Add(g), "parameter %q", p.name)
}

// RegisterGradHook subscribes hook to the gradient-ready notifications of the parameter.
// Use the returned handle to unsubscribe.
func (p *Parameter) RegisterGradHook(hook GradHook) *HookHandle {
	h := &HookHandle{param: p, id: p.nextHookID, hook: hook}
	p.nextHookID++
	p.hooks = append(p.hooks, h)
	return h
}

// NumGradHooks returns the number of hooks subscribed.
func (p *Parameter) NumGradHooks() int { return len(p.hooks) }

// GradReady notifies the subscribed hooks, in subscription order, that the gradient of this parameter is ready.
// It is called by the backward pass once per step, after the gradient was accumulated.
//
// It stops at the first hook that returns an error.
func (p *Parameter) GradReady() error {
	for _, h := range p.hooks {
		if err := h.hook.OnGradReady(p); err != nil {
			return errors.WithMessagef(err, "gradient hook #%d of parameter %q", h.id, p.name)
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (p *Parameter) String() string {
	return fmt.Sprintf("%s(%s%v)", p.name, p.dtype, p.dimensions)
}

// HookHandle is the subscription of a GradHook to a Parameter.
type HookHandle struct {
	param *Parameter
	id    int
	hook  GradHook
}

// Remove the subscription. It is a no-op if already removed.
func (h *HookHandle) Remove() {
	p := h.param
	if p == nil {
		return
	}
	for ii, other := range p.hooks {
		if other == h {
			p.hooks = append(p.hooks[:ii], p.hooks[ii+1:]...)
			break
		}
	}
	h.param = nil
}
