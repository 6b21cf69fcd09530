// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers partitions the parameters of a model across the ranks of a distributed training
// (ShardedOptimizer), and applies the gradients owned by each rank (ShardedOptimizer.Step for SGD, or
// AdamOptimizer).
//
// Only the owner rank of a parameter holds its reduced gradient and its optimizer state: after the update,
// ShardedOptimizer.BroadcastParams sends the new values to the other ranks.
//
// Learning rate schedules are in the sub-package cosineschedule.
package optimizers
