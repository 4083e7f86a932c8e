/*
Copyright 2025 The llm-d-decode-postprocessor Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package decodeapi defines the tensor types exchanged with the decode
// post-processor: the raw decoder output, the decoded result bundle, and a
// small dense-tensor layer shared by both.
package decodeapi

import (
	"fmt"
	"slices"
)

// DType identifies the element type of a tensor.
type DType string

const (
	DTypeInt32   DType = "int32"
	DTypeFloat32 DType = "float32"
	DTypeString  DType = "string"
)

// Element is the set of element types tensors may carry.
type Element interface {
	~int32 | ~float32 | ~string
}

// DTypeOf returns the DType for the element type T.
func DTypeOf[T Element]() DType {
	var zero T
	switch any(zero).(type) {
	case int32:
		return DTypeInt32
	case float32:
		return DTypeFloat32
	default:
		return DTypeString
	}
}

// Shape is a tensor's dimensions, outermost first, row-major layout.
type Shape []int

// Elems returns the total number of elements a tensor of this shape holds.
func (s Shape) Elems() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(other Shape) bool {
	return slices.Equal(s, other)
}

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int(s))
}

// strides returns the row-major stride of every axis.
func (s Shape) strides() []int {
	strides := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= s[i]
	}
	return strides
}

func (s Shape) validate() error {
	for _, d := range s {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in shape %s", ErrShapeMismatch, s)
		}
	}
	return nil
}

// Tensor is the dtype-erased view of a dense tensor, for containers that mix
// element types (e.g. signature defaults).
type Tensor interface {
	Dims() Shape
	DType() DType
	NumElems() int
}

// Dense is a dense row-major tensor of element type T. Data holds exactly
// Shape.Elems() values. Tensors are treated as immutable after creation.
type Dense[T Element] struct {
	Shape Shape `json:"shape" msgpack:"shape"`
	Data  []T   `json:"data" msgpack:"data"`
}

var _ Tensor = (*Dense[int32])(nil)

// NewDense creates a tensor over the given backing data. The data is used as
// is, not copied.
func NewDense[T Element](shape Shape, data []T) (*Dense[T], error) {
	if err := shape.validate(); err != nil {
		return nil, err
	}
	if len(data) != shape.Elems() {
		return nil, fmt.Errorf("%w: shape %s needs %d elements, got %d",
			ErrShapeMismatch, shape, shape.Elems(), len(data))
	}
	return &Dense[T]{Shape: shape, Data: data}, nil
}

// Zeros creates a tensor of the given shape filled with T's zero value.
func Zeros[T Element](shape Shape) *Dense[T] {
	return &Dense[T]{Shape: shape, Data: make([]T, shape.Elems())}
}

// Full creates a tensor of the given shape with every element set to value.
func Full[T Element](shape Shape, value T) *Dense[T] {
	data := make([]T, shape.Elems())
	for i := range data {
		data[i] = value
	}
	return &Dense[T]{Shape: shape, Data: data}
}

func (t *Dense[T]) Dims() Shape {
	return t.Shape
}

func (t *Dense[T]) DType() DType {
	return DTypeOf[T]()
}

func (t *Dense[T]) NumElems() int {
	return len(t.Data)
}

// At returns the element at the given multi-axis index.
func (t *Dense[T]) At(idx ...int) T {
	return t.Data[t.offset(idx)]
}

// Row returns the innermost vector under the given leading indices as a view
// over the underlying data; idx must address all axes but the last.
func (t *Dense[T]) Row(idx ...int) []T {
	if len(idx) != len(t.Shape)-1 {
		panic(fmt.Sprintf("row index rank %d does not match tensor rank %d", len(idx), len(t.Shape)))
	}
	last := t.Shape[len(t.Shape)-1]
	off := t.offset(append(slices.Clone(idx), 0))
	return t.Data[off : off+last]
}

func (t *Dense[T]) offset(idx []int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("index rank %d does not match tensor rank %d", len(idx), len(t.Shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of range for axis %d of shape %s", x, i, t.Shape))
		}
		off = off*t.Shape[i] + x
	}
	return off
}

// Transpose returns a new contiguous tensor with axes reordered so that
// result axis i is input axis perm[i].
func (t *Dense[T]) Transpose(perm ...int) (*Dense[T], error) {
	rank := len(t.Shape)
	if len(perm) != rank {
		return nil, fmt.Errorf("%w: permutation %v does not match rank %d", ErrShapeMismatch, perm, rank)
	}
	seen := make([]bool, rank)
	for _, p := range perm {
		if p < 0 || p >= rank || seen[p] {
			return nil, fmt.Errorf("%w: %v is not a permutation of %d axes", ErrShapeMismatch, perm, rank)
		}
		seen[p] = true
	}

	newShape := make(Shape, rank)
	for i, p := range perm {
		newShape[i] = t.Shape[p]
	}
	strides := t.Shape.strides()
	data := make([]T, len(t.Data))
	idx := make([]int, rank)
	for flat := range data {
		rem := flat
		for i := rank - 1; i >= 0; i-- {
			idx[i] = rem % newShape[i]
			rem /= newShape[i]
		}
		off := 0
		for i, p := range perm {
			off += idx[i] * strides[p]
		}
		data[flat] = t.Data[off]
	}
	return &Dense[T]{Shape: newShape, Data: data}, nil
}

// Tile returns a new tensor of shape [n, *t.Shape] holding n copies of t's
// data, in order. It panics if n is not positive.
func (t *Dense[T]) Tile(n int) *Dense[T] {
	if n < 1 {
		panic(fmt.Sprintf("tile count must be positive, got %d", n))
	}
	shape := append(Shape{n}, t.Shape...)
	data := make([]T, 0, n*len(t.Data))
	for range n {
		data = append(data, t.Data...)
	}
	return &Dense[T]{Shape: shape, Data: data}
}

// Clone returns a deep copy.
func (t *Dense[T]) Clone() *Dense[T] {
	return &Dense[T]{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}
