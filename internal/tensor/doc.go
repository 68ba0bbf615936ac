// Package tensor provides the substrate types shared by every layer: the
// dense float64 Tensor, its Shape, the Device it lives on, and the Backend
// capability surface (matmul, convolution, pooling, reductions, sampling and
// execution streams) that layers call into.
//
// The package deliberately contains no computation beyond bookkeeping.
// Concrete kernels live in internal/backend/cpu.
package tensor
