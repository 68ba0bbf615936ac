package cpu

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// normalizeAxes resolves negative axes, sorts and de-duplicates them.
// A nil or empty list selects every axis.
func normalizeAxes(shape tensor.Shape, axes []int) []int {
	if len(axes) == 0 {
		all := make([]int, len(shape))
		for i := range all {
			all[i] = i
		}
		return all
	}
	seen := make(map[int]bool, len(axes))
	out := make([]int, 0, len(axes))
	for _, a := range axes {
		r := shape.Axis(a)
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Ints(out)
	return out
}

// Sum reduces x over axes. With keepDim the reduced axes stay as size 1.
func (cpu *CPUBackend) Sum(x *tensor.Tensor, axes []int, keepDim bool) *tensor.Tensor {
	inShape := x.Shape()
	axes = normalizeAxes(inShape, axes)

	reduced := make([]bool, len(inShape))
	for _, a := range axes {
		reduced[a] = true
	}
	keptShape := inShape.Clone()
	var squeezed tensor.Shape
	for i := range keptShape {
		if reduced[i] {
			keptShape[i] = 1
		} else {
			squeezed = append(squeezed, inShape[i])
		}
	}

	out := cpu.alloc(keptShape)
	od, xd := out.Data(), x.Data()
	if len(inShape) == 0 {
		od[0] = xd[0]
	} else {
		// Output offsets follow the kept layout with zero stride on reduced axes.
		ostr := broadcastStrides(keptShape, inShape)
		idx := make([]int, len(inShape))
		oi := 0
		for _, v := range xd {
			od[oi] += v
			for d := len(inShape) - 1; d >= 0; d-- {
				idx[d]++
				oi += ostr[d]
				if idx[d] < inShape[d] {
					break
				}
				oi -= ostr[d] * idx[d]
				idx[d] = 0
			}
		}
	}

	if keepDim {
		return out
	}
	return out.Reshape(squeezed...)
}

// Mean averages x over axes.
func (cpu *CPUBackend) Mean(x *tensor.Tensor, axes []int, keepDim bool) *tensor.Tensor {
	out := cpu.Sum(x, axes, keepDim)
	n := x.NumElements() / out.NumElements()
	floats.Scale(1/float64(n), out.Data())
	return out
}

// Softmax normalizes along the last axis using the max-subtraction trick.
func (cpu *CPUBackend) Softmax(x *tensor.Tensor) *tensor.Tensor {
	out := cpu.Transfer(x)
	if x.Rank() == 0 {
		out.Data()[0] = 1
		return out
	}
	n := x.Dim(-1)
	od := out.Data()
	for start := 0; start < len(od); start += n {
		row := od[start : start+n]
		m := floats.Max(row)
		sum := 0.0
		for i, v := range row {
			e := math.Exp(v - m)
			row[i] = e
			sum += e
		}
		floats.Scale(1/sum, row)
	}
	return out
}
