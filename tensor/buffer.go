// Package tensor holds the image buffer that the transform pipeline works on
// and the batched NCHW tensor handed to the inference engine.
package tensor

import (
	iface "TensorPrepServer/interface"
	"fmt"
)

type Layout int

const (
	HWC Layout = iota
	CHW
)

func (l Layout) String() string {
	switch l {
	case HWC:
		return "HWC"
	case CHW:
		return "CHW"
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

type DType int

const (
	Uint8 DType = iota
	Float32
)

func (d DType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Float32:
		return "float32"
	}
	return fmt.Sprintf("DType(%d)", int(d))
}

// Buffer is a 3-axis image. Shape is (H,W,C) for HWC and (C,H,W) for CHW;
// Transposed marks the spatial axes stored as W,H instead.
// Only the slice matching DType is populated.
type Buffer struct {
	Layout     Layout
	DType      DType
	Transposed bool
	Shape      [3]int
	U8         []uint8
	F32        []float32
}

func NewUint8(h, w, c int, data []uint8) (Buffer, error) {
	if h <= 0 || w <= 0 || c <= 0 {
		return Buffer{}, fmt.Errorf("%w: invalid image shape (%d,%d,%d)", iface.ErrConfiguration, h, w, c)
	}
	if data == nil {
		data = make([]uint8, h*w*c)
	}
	if len(data) != h*w*c {
		return Buffer{}, fmt.Errorf("%w: %d samples do not fill shape (%d,%d,%d)", iface.ErrConfiguration, len(data), h, w, c)
	}
	return Buffer{Layout: HWC, DType: Uint8, Shape: [3]int{h, w, c}, U8: data}, nil
}

func NewFloat32(layout Layout, shape [3]int, data []float32) (Buffer, error) {
	n := shape[0] * shape[1] * shape[2]
	if shape[0] <= 0 || shape[1] <= 0 || shape[2] <= 0 {
		return Buffer{}, fmt.Errorf("%w: invalid shape %v", iface.ErrConfiguration, shape)
	}
	if data == nil {
		data = make([]float32, n)
	}
	if len(data) != n {
		return Buffer{}, fmt.Errorf("%w: %d samples do not fill shape %v", iface.ErrConfiguration, len(data), shape)
	}
	return Buffer{Layout: layout, DType: Float32, Shape: shape, F32: data}, nil
}

func (b Buffer) Len() int {
	return b.Shape[0] * b.Shape[1] * b.Shape[2]
}

// Validate checks that the populated slice matches DType and fills Shape.
func (b Buffer) Validate() error {
	if b.Shape[0] <= 0 || b.Shape[1] <= 0 || b.Shape[2] <= 0 {
		return fmt.Errorf("%w: invalid image shape %v", iface.ErrConfiguration, b.Shape)
	}
	n := len(b.U8)
	if b.DType == Float32 {
		n = len(b.F32)
	} else if b.DType != Uint8 {
		return fmt.Errorf("%w: unknown sample type %s", iface.ErrConfiguration, b.DType)
	}
	if n != b.Len() {
		return fmt.Errorf("%w: %d %s samples do not fill shape %v", iface.ErrConfiguration, n, b.DType, b.Shape)
	}
	return nil
}

// spatialAxes returns the stored axes of height and width.
func (b Buffer) spatialAxes() (h, w int) {
	h, w = 0, 1
	if b.Layout == CHW {
		h, w = 1, 2
	}
	if b.Transposed {
		h, w = w, h
	}
	return h, w
}

func (b Buffer) Height() int {
	h, _ := b.spatialAxes()
	return b.Shape[h]
}

func (b Buffer) Width() int {
	_, w := b.spatialAxes()
	return b.Shape[w]
}

func (b Buffer) Channels() int {
	if b.Layout == CHW {
		return b.Shape[0]
	}
	return b.Shape[2]
}

func (b Buffer) Clone() Buffer {
	out := b
	if b.U8 != nil {
		out.U8 = append([]uint8(nil), b.U8...)
	}
	if b.F32 != nil {
		out.F32 = append([]float32(nil), b.F32...)
	}
	return out
}

// Promote returns a float32 copy of b. A float32 buffer is returned as is.
func (b Buffer) Promote() Buffer {
	if b.DType == Float32 {
		return b
	}
	f := make([]float32, len(b.U8))
	for i, v := range b.U8 {
		f[i] = float32(v)
	}
	return Buffer{Layout: b.Layout, DType: Float32, Transposed: b.Transposed, Shape: b.Shape, F32: f}
}

// At reads one sample by its index along the three stored axes.
func (b Buffer) At(i, j, k int) float32 {
	idx := (i*b.Shape[1]+j)*b.Shape[2] + k
	if b.DType == Uint8 {
		return float32(b.U8[idx])
	}
	return b.F32[idx]
}

func (b Buffer) Set(i, j, k int, v float32) {
	idx := (i*b.Shape[1]+j)*b.Shape[2] + k
	if b.DType == Uint8 {
		b.U8[idx] = uint8(v)
		return
	}
	b.F32[idx] = v
}

// ChannelAxis is the stored axis holding the colour channels.
func (b Buffer) ChannelAxis() int {
	if b.Layout == CHW {
		return 0
	}
	return 2
}

// Transpose permutes the three stored axes: output axis i is input axis perm[i].
// The layout tag follows the channel axis, which must end up first or last,
// and Transposed records whether height still precedes width.
func (b Buffer) Transpose(perm [3]int) (Buffer, error) {
	if !IsPermutation(perm) {
		return Buffer{}, fmt.Errorf("%w: %v is not a permutation of the axes", iface.ErrConfiguration, perm)
	}
	var layout Layout
	switch b.ChannelAxis() {
	case perm[0]:
		layout = CHW
	case perm[2]:
		layout = HWC
	default:
		return Buffer{}, fmt.Errorf("%w: permutation %v moves the channel axis to the middle", iface.ErrConfiguration, perm)
	}

	in := b.Shape
	shape := [3]int{in[perm[0]], in[perm[1]], in[perm[2]]}
	// strides of the input, reordered to walk the output contiguously
	inStride := [3]int{in[1] * in[2], in[2], 1}
	s0, s1, s2 := inStride[perm[0]], inStride[perm[1]], inStride[perm[2]]

	var pos [3]int
	for i, a := range perm {
		pos[a] = i
	}
	h, w := b.spatialAxes()

	out := Buffer{Layout: layout, DType: b.DType, Transposed: pos[h] > pos[w], Shape: shape}
	n := b.Len()
	if b.DType == Uint8 {
		out.U8 = make([]uint8, n)
	} else {
		out.F32 = make([]float32, n)
	}
	o := 0
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			src := i*s0 + j*s1
			for k := 0; k < shape[2]; k++ {
				if b.DType == Uint8 {
					out.U8[o] = b.U8[src]
				} else {
					out.F32[o] = b.F32[src]
				}
				src += s2
				o++
			}
		}
	}
	return out, nil
}

func IsPermutation(p [3]int) bool {
	var seen [3]bool
	for _, v := range p {
		if v < 0 || v > 2 || seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}
