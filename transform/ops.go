package transform

import (
	iface "TensorPrepServer/interface"
	"TensorPrepServer/tensor"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

func requireHWC(b tensor.Buffer, what string) error {
	if b.Layout != tensor.HWC {
		return fmt.Errorf("%w: %s needs an HWC buffer, got %s", iface.ErrConfiguration, what, b.Layout)
	}
	if b.Transposed {
		return fmt.Errorf("%w: %s needs height before width, got a transposed buffer", iface.ErrConfiguration, what)
	}
	return nil
}

// resize scales to exactly w x h with bilinear interpolation, the cv2 default.
func resize(b tensor.Buffer, w, h int) (tensor.Buffer, error) {
	if err := requireHWC(b, "resize"); err != nil {
		return tensor.Buffer{}, err
	}
	if w <= 0 || h <= 0 {
		return tensor.Buffer{}, fmt.Errorf("%w: resize target %dx%d is empty", iface.ErrConfiguration, w, h)
	}
	src, err := b.ToMat()
	if err != nil {
		return tensor.Buffer{}, err
	}
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	if err := gocv.Resize(src, &dst, image.Pt(w, h), 0, 0, gocv.InterpolationLinear); err != nil {
		return tensor.Buffer{}, fmt.Errorf("resize to %dx%d: %w", w, h, err)
	}
	return tensor.FromMat(dst)
}

func resizeToMinDim(b tensor.Buffer, tw, th int) (tensor.Buffer, error) {
	if err := requireHWC(b, "resize_to_min_dim"); err != nil {
		return tensor.Buffer{}, err
	}
	w, h := scaledDims(b.Width(), b.Height(), min(b.Height(), b.Width()), min(tw, th))
	if w == 0 || h == 0 {
		return tensor.Buffer{}, fmt.Errorf("%w: cannot scale %dx%d to min side %d", iface.ErrConfiguration, b.Width(), b.Height(), min(tw, th))
	}
	return resize(b, w, h)
}

// resizeToMaxDim fits the longer side to the larger target value, so the
// whole image lands inside the letterbox canvas.
func resizeToMaxDim(b tensor.Buffer, tw, th int) (tensor.Buffer, error) {
	if err := requireHWC(b, "resize_to_max_dim"); err != nil {
		return tensor.Buffer{}, err
	}
	w, h := MaxDimSize(b.Width(), b.Height(), tw, th)
	if w == 0 || h == 0 {
		return tensor.Buffer{}, fmt.Errorf("%w: cannot scale %dx%d to max side %d", iface.ErrConfiguration, b.Width(), b.Height(), max(tw, th))
	}
	return resize(b, w, h)
}

// MaxDimSize is the (w,h) that resize_to_max_dim produces for a w x h image.
func MaxDimSize(w, h, tw, th int) (int, int) {
	return scaledDims(w, h, max(h, w), max(tw, th))
}

// scaledDims maps the pivot side to target, truncating like int() does.
func scaledDims(w, h, pivot, target int) (int, int) {
	if pivot == 0 {
		return 0, 0
	}
	scaleW := float64(w) / float64(pivot)
	scaleH := float64(h) / float64(pivot)
	return int(float64(target) * scaleW), int(float64(target) * scaleH)
}

// cropLetterbox pads to a square of side max(H,W). The offset along the
// shorter axis is floored, so odd padding puts the extra pixel after the image.
func cropLetterbox(b tensor.Buffer, fill float64) (tensor.Buffer, error) {
	if err := requireHWC(b, "crop_letterbox"); err != nil {
		return tensor.Buffer{}, err
	}
	src := b.Promote()
	h, w, c := src.Shape[0], src.Shape[1], src.Shape[2]
	side := max(h, w)
	out, err := tensor.NewFloat32(tensor.HWC, [3]int{side, side, c}, nil)
	if err != nil {
		return tensor.Buffer{}, err
	}
	fv := float32(fill)
	for i := range out.F32 {
		out.F32[i] = fv
	}
	top, left := 0, 0
	if side == w {
		top = (side - h) / 2
	} else {
		left = (side - w) / 2
	}
	row := w * c
	for y := 0; y < h; y++ {
		dst := ((top+y)*side + left) * c
		copy(out.F32[dst:dst+row], src.F32[y*row:(y+1)*row])
	}
	return out, nil
}

func cropCenter(b tensor.Buffer, th, tw int) (tensor.Buffer, error) {
	if err := requireHWC(b, "crop_center"); err != nil {
		return tensor.Buffer{}, err
	}
	h, w, c := b.Shape[0], b.Shape[1], b.Shape[2]
	if th > h || tw > w {
		return tensor.Buffer{}, fmt.Errorf("%w: crop window %dx%d exceeds image %dx%d", iface.ErrConfiguration, tw, th, w, h)
	}
	top := h/2 - th/2
	left := w/2 - tw/2
	out := tensor.Buffer{Layout: tensor.HWC, DType: b.DType, Shape: [3]int{th, tw, c}}
	row := tw * c
	if b.DType == tensor.Uint8 {
		out.U8 = make([]uint8, th*row)
	} else {
		out.F32 = make([]float32, th*row)
	}
	for y := 0; y < th; y++ {
		src := ((top+y)*w + left) * c
		if b.DType == tensor.Uint8 {
			copy(out.U8[y*row:(y+1)*row], b.U8[src:src+row])
		} else {
			copy(out.F32[y*row:(y+1)*row], b.F32[src:src+row])
		}
	}
	return out, nil
}

// pixelScale always promotes; a factor of exactly 1 skips the multiply.
func pixelScale(b tensor.Buffer, factor float64) tensor.Buffer {
	f := b.Promote()
	if factor == 1.0 {
		return f
	}
	k := float32(factor)
	for i := range f.F32 {
		f.F32[i] *= k
	}
	return f
}

// meanSubtract broadcasts a scalar over every sample or a 3-vector over the channel axis.
func meanSubtract(b tensor.Buffer, mean []float64) (tensor.Buffer, error) {
	f := b.Promote()
	if len(mean) == 1 {
		m := float32(mean[0])
		for i := range f.F32 {
			f.F32[i] -= m
		}
		return f, nil
	}
	if f.Channels() != len(mean) {
		return tensor.Buffer{}, fmt.Errorf("%w: %d channel means for %d channels", iface.ErrConfiguration, len(mean), f.Channels())
	}
	m := make([]float32, len(mean))
	for i, v := range mean {
		m[i] = float32(v)
	}
	if f.Layout == tensor.HWC {
		c := f.Shape[2]
		for i := range f.F32 {
			f.F32[i] -= m[i%c]
		}
		return f, nil
	}
	plane := f.Shape[1] * f.Shape[2]
	for i := range f.F32 {
		f.F32[i] -= m[i/plane]
	}
	return f, nil
}

// channelSwap reorders channels so output channel i is input channel perm[i].
func channelSwap(b tensor.Buffer, perm [3]int) (tensor.Buffer, error) {
	if b.Channels() != 3 {
		return tensor.Buffer{}, fmt.Errorf("%w: channel_swap needs 3 channels, got %d", iface.ErrConfiguration, b.Channels())
	}
	out := tensor.Buffer{Layout: b.Layout, DType: b.DType, Transposed: b.Transposed, Shape: b.Shape}
	n := b.Len()
	if b.DType == tensor.Uint8 {
		out.U8 = make([]uint8, n)
	} else {
		out.F32 = make([]float32, n)
	}
	move := func(dst, src int) {
		if b.DType == tensor.Uint8 {
			out.U8[dst] = b.U8[src]
		} else {
			out.F32[dst] = b.F32[src]
		}
	}
	if b.Layout == tensor.CHW {
		plane := b.Shape[1] * b.Shape[2]
		for ch := 0; ch < 3; ch++ {
			srcOff := perm[ch] * plane
			for i := 0; i < plane; i++ {
				move(ch*plane+i, srcOff+i)
			}
		}
		return out, nil
	}
	for px := 0; px < n; px += 3 {
		for ch := 0; ch < 3; ch++ {
			move(px+ch, px+perm[ch])
		}
	}
	return out, nil
}
