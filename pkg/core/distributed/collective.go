// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the objects related to cross-worker execution of data-parallel training:
//
//   - DeviceMesh: expresses the topology of a set of devices, in terms of axis and their sizes.
//   - Group: a collective communication group of ranks, with reduce and broadcast of tensors.
//   - LocalGroup: an in-process Group where every rank runs in its own goroutine.
package distributed

import (
	"github.com/gomlx/shardgrad/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Handle of an asynchronous collective operation, returned by Group.Reduce and Group.Broadcast.
type Handle interface {
	// Done returns whether the local side of the operation completed: the buffer given to the
	// operation is safe to be read, modified or released by this rank.
	//
	// It doesn't imply the other ranks have finished.
	Done() bool
}

// Group is a collective communication group.
//
// All ranks must submit the same sequence of collective operations (same kind, same root and buffers of
// the same dtype and size), each rank from a single goroutine.
// A buffer given to an operation must not be accessed until Wait on its handle returns.
type Group interface {
	// Rank of this member in the group, from 0 to NumRanks()-1.
	Rank() int

	// NumRanks in the group.
	NumRanks() int

	// Broadcast the contents of t from rank src to the t of every other rank.
	Broadcast(t *tensors.Tensor, src int) (Handle, error)

	// Reduce sums t across all ranks and stores the result in the t of rank dst.
	// The contents of t in the other ranks are left unchanged.
	Reduce(t *tensors.Tensor, dst int) (Handle, error)

	// Wait blocks until the local side of the operation of the handle is completed, and returns
	// any error of the operation.
	Wait(h Handle) error
}

// WaitAll waits for all the handles, in order, and returns the first error.
func WaitAll(group Group, handles ...Handle) error {
	for ii, h := range handles {
		if err := group.Wait(h); err != nil {
			return errors.WithMessagef(err, "waiting for operation %d of %d", ii, len(handles))
		}
	}
	return nil
}
