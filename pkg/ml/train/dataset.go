// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

// Dataset for a train.Loop provides the data, one batch at a time. The batch is an opaque slice of
// values passed as inputs to the engine's Forward (and from there to the model's ForwardFn).
//
// In distributed training, each rank has its own Dataset (usually its own shard of the data), but all
// ranks must yield the same number of batches, since every step involves collective operations.
type Dataset interface {
	// Name identifies the dataset. Used for debugging and pretty-printing.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached.
	Reset()

	// Yield one "batch" (or whatever is the unit for a training step) or an error.
	//
	// If using Loop.RunSteps for training having an infinite dataset stream is ok. But careful
	// not to use Loop.RunEpochs on a dataset configured to loop indefinitely.
	//
	// If the error is `io.EOF` the training terminates normally, as it indicates end of data for finite
	// datasets -- maybe the end of the epoch.
	//
	// Any other errors should interrupt the training and be returned to the user.
	Yield() (inputs []any, err error)
}
