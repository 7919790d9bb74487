package tensor

import (
	iface "TensorPrepServer/interface"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUint8Shape(t *testing.T) {
	b, err := NewUint8(2, 3, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Height())
	assert.Equal(t, 3, b.Width())
	assert.Equal(t, 3, b.Channels())
	assert.Len(t, b.U8, 18)

	_, err = NewUint8(2, 3, 3, make([]uint8, 5))
	assert.True(t, errors.Is(err, iface.ErrConfiguration))
	_, err = NewUint8(0, 3, 3, nil)
	assert.True(t, errors.Is(err, iface.ErrConfiguration))
}

func TestTransposeRejectsMiddleChannel(t *testing.T) {
	b, err := NewUint8(2, 3, 3, nil)
	require.NoError(t, err)
	_, err = b.Transpose([3]int{0, 2, 1})
	assert.True(t, errors.Is(err, iface.ErrConfiguration))
	_, err = b.Transpose([3]int{0, 0, 1})
	assert.True(t, errors.Is(err, iface.ErrConfiguration))
}

func TestTransposeTracksSpatialOrder(t *testing.T) {
	b, err := NewUint8(2, 3, 4, nil)
	require.NoError(t, err)

	cwh, err := b.Transpose([3]int{2, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, CHW, cwh.Layout)
	assert.True(t, cwh.Transposed)
	assert.Equal(t, [3]int{4, 3, 2}, cwh.Shape)
	assert.Equal(t, 2, cwh.Height())
	assert.Equal(t, 3, cwh.Width())
	assert.Equal(t, 4, cwh.Channels())
	assert.True(t, cwh.Promote().Transposed)

	chw, err := cwh.Transpose([3]int{0, 2, 1})
	require.NoError(t, err)
	assert.False(t, chw.Transposed)
	assert.Equal(t, [3]int{4, 2, 3}, chw.Shape)
	assert.Equal(t, 2, chw.Height())

	whc, err := b.Transpose([3]int{1, 0, 2})
	require.NoError(t, err)
	assert.Equal(t, HWC, whc.Layout)
	assert.True(t, whc.Transposed)
	assert.Equal(t, 2, whc.Height())
	assert.Equal(t, 3, whc.Width())
}

func TestValidate(t *testing.T) {
	b, err := NewUint8(2, 2, 3, nil)
	require.NoError(t, err)
	assert.NoError(t, b.Validate())

	short := b
	short.U8 = short.U8[:5]
	assert.True(t, errors.Is(short.Validate(), iface.ErrConfiguration))

	assert.True(t, errors.Is(Buffer{DType: Float32, Shape: [3]int{1, 1, 3}}.Validate(), iface.ErrConfiguration))
	assert.True(t, errors.Is(Buffer{}.Validate(), iface.ErrConfiguration))

	wrongSlice := Buffer{DType: Float32, Shape: [3]int{1, 1, 3}, U8: []uint8{1, 2, 3}}
	assert.True(t, errors.Is(wrongSlice.Validate(), iface.ErrConfiguration))
}

func TestBatch(t *testing.T) {
	b, err := NewUint8(2, 2, 3, []uint8{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	require.NoError(t, err)
	_, err = b.Batch()
	assert.True(t, errors.Is(err, iface.ErrConfiguration))

	chw, err := b.Transpose([3]int{2, 0, 1})
	require.NoError(t, err)
	ts, err := chw.Batch()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2, 2}, ts.Shape)
	assert.Equal(t, 12, ts.Len())
	assert.Equal(t, []float32{1, 4, 7, 10, 2, 5, 8, 11, 3, 6, 9, 12}, ts.Data)
	assert.Equal(t, []int64{1, 3, 2, 2}, ts.Shape64())
}

func TestBytesLittleEndian(t *testing.T) {
	ts := Tensor{Shape: []int{1, 1, 1, 2}, Data: []float32{1.5, -2}}
	raw := ts.Bytes()
	require.Len(t, raw, 8)
	assert.Equal(t, float32(1.5), math.Float32frombits(binary.LittleEndian.Uint32(raw[0:])))
	assert.Equal(t, float32(-2), math.Float32frombits(binary.LittleEndian.Uint32(raw[4:])))
}

func TestStack(t *testing.T) {
	a := Tensor{Shape: []int{1, 1, 1, 2}, Data: []float32{1, 2}}
	b := Tensor{Shape: []int{1, 1, 1, 2}, Data: []float32{3, 4}}
	s, err := Stack(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 1, 2}, s.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4}, s.Data)

	_, err = Stack(a, Tensor{Shape: []int{1, 1, 2, 2}, Data: make([]float32, 4)})
	assert.True(t, errors.Is(err, iface.ErrConfiguration))
	_, err = Stack()
	assert.True(t, errors.Is(err, iface.ErrConfiguration))
}

func TestMatRoundTrip(t *testing.T) {
	b, err := NewUint8(3, 4, 3, nil)
	require.NoError(t, err)
	for i := range b.U8 {
		b.U8[i] = uint8(i * 3)
	}
	m, err := b.ToMat()
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 3, m.Rows())
	assert.Equal(t, 4, m.Cols())
	back, err := FromMat(m)
	require.NoError(t, err)
	assert.Equal(t, b.U8, back.U8)

	f := b.Promote()
	fm, err := f.ToMat()
	require.NoError(t, err)
	defer fm.Close()
	fback, err := FromMat(fm)
	require.NoError(t, err)
	assert.Equal(t, Float32, fback.DType)
	assert.Equal(t, f.F32, fback.F32)
}
