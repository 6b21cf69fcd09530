// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"github.com/gomlx/shardgrad/pkg/core/distributed"
	"github.com/pkg/errors"
)

// Task is a submitted collective operation paired with the cleanup to run once it completes.
type Task struct {
	Handle  distributed.Handle
	Cleanup func() error
}

// TaskFlow is the FIFO queue of in-flight collective operations.
//
// Cleanups are always run in submission order, even if the operations complete out of order.
type TaskFlow struct {
	tasks []Task
}

// NewTaskFlow creates an empty TaskFlow.
func NewTaskFlow() *TaskFlow {
	return &TaskFlow{}
}

// Push appends an operation handle and its cleanup (which can be nil) to the queue.
func (f *TaskFlow) Push(handle distributed.Handle, cleanup func() error) {
	f.tasks = append(f.tasks, Task{Handle: handle, Cleanup: cleanup})
}

// Len returns the number of queued tasks.
func (f *TaskFlow) Len() int { return len(f.tasks) }

// Drain pops completed tasks from the head of the queue and runs their cleanups, in order.
// It stops at the first task whose operation is not done yet: it never blocks.
//
// If a cleanup fails, the draining stops and its error is returned. The failed task is not re-queued.
func (f *TaskFlow) Drain() error {
	for len(f.tasks) > 0 {
		head := f.tasks[0]
		if head.Handle != nil && !head.Handle.Done() {
			return nil
		}
		f.tasks[0] = Task{}
		f.tasks = f.tasks[1:]
		if head.Cleanup == nil {
			continue
		}
		if err := head.Cleanup(); err != nil {
			return errors.WithMessage(err, "TaskFlow cleanup")
		}
	}
	f.tasks = nil
	return nil
}
