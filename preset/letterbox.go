package preset

import (
	iface "TensorPrepServer/interface"
	"TensorPrepServer/transform"
	"fmt"
)

// Letterbox maps points on a letterboxed network input back onto the
// source image the detection preset started from.
type Letterbox struct {
	Side   int
	Top    int
	Left   int
	scaleX float64
	scaleY float64
	origW  int
	origH  int
}

// NewLetterbox rebuilds the geometry of the detection recipe for an image of
// shape orig (H,W,C) resized towards tw x th.
func NewLetterbox(orig [3]int, tw, th int) (Letterbox, error) {
	h, w := orig[0], orig[1]
	rw, rh := transform.MaxDimSize(w, h, tw, th)
	if rw <= 0 || rh <= 0 {
		return Letterbox{}, fmt.Errorf("%w: cannot letterbox %dx%d into %dx%d", iface.ErrConfiguration, w, h, tw, th)
	}
	lb := Letterbox{
		Side:   max(rw, rh),
		scaleX: float64(w) / float64(rw),
		scaleY: float64(h) / float64(rh),
		origW:  w,
		origH:  h,
	}
	if lb.Side == rw {
		lb.Top = (lb.Side - rh) / 2
	} else {
		lb.Left = (lb.Side - rw) / 2
	}
	return lb, nil
}

// ToSource converts network-input pixel coordinates to source pixels,
// clamped to the source image.
func (l Letterbox) ToSource(x, y float64) (float64, float64) {
	sx := (x - float64(l.Left)) * l.scaleX
	sy := (y - float64(l.Top)) * l.scaleY
	return clamp(sx, float64(l.origW)), clamp(sy, float64(l.origH))
}

func clamp(v, hi float64) float64 {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}
