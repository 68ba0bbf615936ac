// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import "github.com/born-ml/pipeprop/internal/tensor"

// Backend defines the compute capability surface the layers call into.
//
// Implementations:
//   - backend/cpu: Pure Go with gonum BLAS, synchronous or stream-emulating
type Backend = tensor.Backend

// Stream is an ordering domain for device work.
type Stream = tensor.Stream
