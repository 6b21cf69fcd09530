// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines what the gradient sharding engine needs from a model: its parameters (with
// gradients and gradient-ready hooks), its non-trainable buffers and its forward computation.
//
// Module is a simple implementation, used by tests and simulations, where the forward and backward
// computations are user-provided functions.
package model

import (
	"github.com/gomlx/shardgrad/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Model is the capability surface of a trainable model.
type Model interface {
	// Parameters returns all the parameters of the model, in a stable order.
	Parameters() []*Parameter

	// Buffers returns the non-parameter state of the model (e.g. batch normalization statistics).
	Buffers() []*tensors.Tensor

	// Forward runs the model on the inputs.
	Forward(inputs ...any) (any, error)
}

// ForwardFn implements the forward computation of a Module.
type ForwardFn func(m *Module, inputs ...any) (any, error)

// Module is a Model built from a list of parameters, buffers and a ForwardFn.
type Module struct {
	params    []*Parameter
	buffers   []*tensors.Tensor
	forwardFn ForwardFn
}

var _ Model = (*Module)(nil)

// NewModule creates a Module with the given forward function. If forwardFn is nil, Forward returns
// its first input (or nil).
func NewModule(forwardFn ForwardFn) *Module {
	return &Module{forwardFn: forwardFn}
}

// AddParameter appends a parameter to the module and returns it.
func (m *Module) AddParameter(p *Parameter) *Parameter {
	m.params = append(m.params, p)
	return p
}

// AddBuffer appends a non-trainable buffer to the module and returns it.
func (m *Module) AddBuffer(buffer *tensors.Tensor) *tensors.Tensor {
	m.buffers = append(m.buffers, buffer)
	return buffer
}

// Parameters implements Model.
func (m *Module) Parameters() []*Parameter { return m.params }

// Buffers implements Model.
func (m *Module) Buffers() []*tensors.Tensor { return m.buffers }

// Forward implements Model.
func (m *Module) Forward(inputs ...any) (any, error) {
	if m.forwardFn == nil {
		if len(inputs) == 0 {
			return nil, nil
		}
		return inputs[0], nil
	}
	return m.forwardFn(m, inputs...)
}

// Backward simulates a backward pass: for each parameter, in reverse order of the model, if grads has an
// entry for its name, the gradient is accumulated and the parameter's gradient-ready hooks are notified.
//
// Frozen (non-trainable) parameters are skipped.
func Backward(m Model, grads map[string]*tensors.Tensor) error {
	params := m.Parameters()
	for ii := len(params) - 1; ii >= 0; ii-- {
		p := params[ii]
		g, found := grads[p.Name()]
		if !found || !p.Trainable() {
			continue
		}
		if err := p.AccumulateGrad(g); err != nil {
			return errors.WithMessage(err, "Backward")
		}
		if err := p.GradReady(); err != nil {
			return errors.WithMessage(err, "Backward")
		}
	}
	return nil
}
