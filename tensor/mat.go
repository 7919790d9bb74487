package tensor

import (
	iface "TensorPrepServer/interface"
	"fmt"
	"unsafe"

	"gocv.io/x/gocv"
)

func matType(d DType, channels int) gocv.MatType {
	base := gocv.MatTypeCV8U
	if d == Float32 {
		base = gocv.MatTypeCV32F
	}
	// same encoding as CV_MAKETYPE
	return gocv.MatType(int(base) + (channels-1)*8)
}

// ToMat wraps an HWC buffer in a new Mat. The Mat may share b's storage, so b
// must stay untouched until the caller closes it.
func (b Buffer) ToMat() (gocv.Mat, error) {
	if b.Layout != HWC {
		return gocv.NewMat(), fmt.Errorf("%w: Mat conversion needs HWC layout, buffer is %s", iface.ErrConfiguration, b.Layout)
	}
	h, w, c := b.Shape[0], b.Shape[1], b.Shape[2]
	var raw []byte
	if b.DType == Uint8 {
		raw = b.U8
	} else {
		raw = unsafe.Slice((*byte)(unsafe.Pointer(&b.F32[0])), len(b.F32)*4)
	}
	return gocv.NewMatFromBytes(h, w, matType(b.DType, c), raw)
}

// FromMat copies an 8-bit or 32-bit float Mat into an HWC buffer.
func FromMat(m gocv.Mat) (Buffer, error) {
	if m.Empty() {
		return Buffer{}, fmt.Errorf("%w: empty Mat", iface.ErrUnsupportedFormat)
	}
	h, w, c := m.Rows(), m.Cols(), m.Channels()
	switch m.Type() {
	case matType(Uint8, c):
		return NewUint8(h, w, c, append([]uint8(nil), m.ToBytes()...))
	case matType(Float32, c):
		f, err := m.DataPtrFloat32()
		if err != nil {
			return Buffer{}, err
		}
		return NewFloat32(HWC, [3]int{h, w, c}, append([]float32(nil), f...))
	}
	return Buffer{}, fmt.Errorf("%w: Mat type %v", iface.ErrUnsupportedFormat, m.Type())
}
