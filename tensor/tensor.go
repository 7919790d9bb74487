package tensor

import (
	iface "TensorPrepServer/interface"
	"encoding/binary"
	"fmt"
	"math"
)

// Tensor is a contiguous float32 tensor in NCHW order.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Batch prepends a batch dimension of 1. The buffer must already be CHW.
func (b Buffer) Batch() (Tensor, error) {
	if b.Layout != CHW {
		return Tensor{}, fmt.Errorf("%w: tensor needs CHW layout, buffer is %s", iface.ErrConfiguration, b.Layout)
	}
	f := b.Promote()
	return Tensor{
		Shape: []int{1, f.Shape[0], f.Shape[1], f.Shape[2]},
		Data:  f.F32,
	}, nil
}

func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

func (t Tensor) Shape64() []int64 {
	s := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		s[i] = int64(d)
	}
	return s
}

// Bytes is the little-endian float32 wire form of the tensor.
func (t Tensor) Bytes() []byte {
	out := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// Stack concatenates single-image tensors of identical shape along the batch axis.
func Stack(ts ...Tensor) (Tensor, error) {
	if len(ts) == 0 {
		return Tensor{}, fmt.Errorf("%w: nothing to stack", iface.ErrConfiguration)
	}
	first := ts[0].Shape
	if len(first) != 4 {
		return Tensor{}, fmt.Errorf("%w: stack expects NCHW tensors, got shape %v", iface.ErrConfiguration, first)
	}
	n := 0
	for i, t := range ts {
		if len(t.Shape) != 4 || t.Shape[1] != first[1] || t.Shape[2] != first[2] || t.Shape[3] != first[3] {
			return Tensor{}, fmt.Errorf("%w: tensor %d has shape %v, want (*,%d,%d,%d)", iface.ErrConfiguration, i, t.Shape, first[1], first[2], first[3])
		}
		n += t.Shape[0]
	}
	data := make([]float32, 0, n*first[1]*first[2]*first[3])
	for _, t := range ts {
		data = append(data, t.Data...)
	}
	return Tensor{Shape: []int{n, first[1], first[2], first[3]}, Data: data}, nil
}
