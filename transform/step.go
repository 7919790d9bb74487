package transform

import (
	iface "TensorPrepServer/interface"
	"TensorPrepServer/tensor"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Op int

const (
	OpResize Op = iota
	OpResizeToMinDim
	OpResizeToMaxDim
	OpCropLetterbox
	OpCropCenter
	OpPixelScale
	OpMeanSubtract
	OpChannelTranspose
	OpChannelSwap
	OpVisualize
)

var opNames = map[Op]string{
	OpResize:           "resize",
	OpResizeToMinDim:   "resize_to_min_dim",
	OpResizeToMaxDim:   "resize_to_max_dim",
	OpCropLetterbox:    "crop_letterbox",
	OpCropCenter:       "crop_center",
	OpPixelScale:       "pixel_scale",
	OpMeanSubtract:     "mean_subtract",
	OpChannelTranspose: "channel_transpose",
	OpChannelSwap:      "channel_swap",
	OpVisualize:        "visualize",
}

// older command names still found in deployed pipeline configs
var opAliases = map[string]Op{
	"resize2mindim": OpResizeToMinDim,
	"resize2maxdim": OpResizeToMaxDim,
	"pxlscale":      OpPixelScale,
	"meansub":       OpMeanSubtract,
	"chtranspose":   OpChannelTranspose,
	"chswap":        OpChannelSwap,
	"plot":          OpVisualize,
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

func ParseOp(name string) (Op, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for op, n := range opNames {
		if n == name {
			return op, nil
		}
	}
	if op, ok := opAliases[name]; ok {
		return op, nil
	}
	return 0, fmt.Errorf("%w: unknown operation %q", iface.ErrConfiguration, name)
}

// Step is one command of a pipeline. Ints carries dimensions and permutations,
// Floats carries scale factors, fill values and means.
type Step struct {
	Op     Op
	Ints   []int
	Floats []float64
}

func Resize(w, h int) Step { return Step{Op: OpResize, Ints: []int{w, h}} }
func ResizeToMinDim(w, h int) Step { return Step{Op: OpResizeToMinDim, Ints: []int{w, h}} }
func ResizeToMaxDim(w, h int) Step { return Step{Op: OpResizeToMaxDim, Ints: []int{w, h}} }
func CropLetterbox(fill float64) Step { return Step{Op: OpCropLetterbox, Floats: []float64{fill}} }
func CropCenter(h, w int) Step { return Step{Op: OpCropCenter, Ints: []int{h, w}} }
func PixelScale(factor float64) Step { return Step{Op: OpPixelScale, Floats: []float64{factor}} }
func MeanSubtract(m ...float64) Step { return Step{Op: OpMeanSubtract, Floats: m} }
func ChannelTranspose(p [3]int) Step { return Step{Op: OpChannelTranspose, Ints: p[:]} }
func ChannelSwap(p [3]int) Step { return Step{Op: OpChannelSwap, Ints: p[:]} }
func Visualize() Step { return Step{Op: OpVisualize} }

func (s Step) String() string {
	parts := []string{s.Op.String()}
	for _, v := range s.Ints {
		parts = append(parts, strconv.Itoa(v))
	}
	for _, v := range s.Floats {
		parts = append(parts, strconv.FormatFloat(v, 'g', -1, 64))
	}
	return strings.Join(parts, " ")
}

// ParseStep reads the "name arg arg ..." form used in config files.
func ParseStep(line string) (Step, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Step{}, fmt.Errorf("%w: empty step", iface.ErrConfiguration)
	}
	op, err := ParseOp(fields[0])
	if err != nil {
		return Step{}, err
	}
	args := fields[1:]
	s := Step{Op: op}
	switch op {
	case OpResize, OpResizeToMinDim, OpResizeToMaxDim, OpCropCenter, OpChannelTranspose, OpChannelSwap, OpVisualize:
		for _, a := range args {
			v, err := strconv.Atoi(a)
			if err != nil {
				return Step{}, fmt.Errorf("%w: %s: %q is not an integer", iface.ErrConfiguration, op, a)
			}
			s.Ints = append(s.Ints, v)
		}
	case OpCropLetterbox, OpPixelScale, OpMeanSubtract:
		for _, a := range args {
			v, err := strconv.ParseFloat(a, 64)
			if err != nil {
				return Step{}, fmt.Errorf("%w: %s: %q is not a number", iface.ErrConfiguration, op, a)
			}
			s.Floats = append(s.Floats, v)
		}
	}
	return s, s.Validate()
}

func ParseSteps(lines []string) ([]Step, error) {
	steps := make([]Step, 0, len(lines))
	for i, l := range lines {
		s, err := ParseStep(l)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// Validate checks that the parameter payload matches the operation.
func (s Step) Validate() error {
	bad := func(format string, a ...any) error {
		return fmt.Errorf("%w: %s: %s", iface.ErrConfiguration, s.Op, fmt.Sprintf(format, a...))
	}
	switch s.Op {
	case OpResize, OpResizeToMinDim, OpResizeToMaxDim, OpCropCenter:
		if len(s.Ints) != 2 || len(s.Floats) != 0 {
			return bad("want 2 integer dimensions, got %v %v", s.Ints, s.Floats)
		}
		if s.Ints[0] <= 0 || s.Ints[1] <= 0 {
			return bad("dimensions must be positive, got %v", s.Ints)
		}
	case OpCropLetterbox, OpPixelScale:
		if len(s.Floats) != 1 || len(s.Ints) != 0 {
			return bad("want 1 scalar, got %v %v", s.Ints, s.Floats)
		}
		if !finite(s.Floats[0]) {
			return bad("scalar must be finite, got %v", s.Floats[0])
		}
	case OpMeanSubtract:
		if (len(s.Floats) != 1 && len(s.Floats) != 3) || len(s.Ints) != 0 {
			return bad("want a scalar or 3 channel means, got %v %v", s.Ints, s.Floats)
		}
		for _, v := range s.Floats {
			if !finite(v) {
				return bad("mean must be finite, got %v", v)
			}
		}
	case OpChannelTranspose, OpChannelSwap:
		if len(s.Ints) != 3 || len(s.Floats) != 0 {
			return bad("want a 3-element permutation, got %v %v", s.Ints, s.Floats)
		}
		if !tensor.IsPermutation(s.perm()) {
			return bad("%v is not a permutation of 0,1,2", s.Ints)
		}
	case OpVisualize:
		if len(s.Floats) != 0 || (len(s.Ints) != 0 && len(s.Ints) != 3) {
			return bad("takes no parameter or a 3-element permutation, got %v %v", s.Ints, s.Floats)
		}
		if len(s.Ints) == 3 && !tensor.IsPermutation(s.perm()) {
			return bad("%v is not a permutation of 0,1,2", s.Ints)
		}
	default:
		return fmt.Errorf("%w: unknown operation %s", iface.ErrConfiguration, s.Op)
	}
	return nil
}

func (s Step) perm() [3]int {
	return [3]int{s.Ints[0], s.Ints[1], s.Ints[2]}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
