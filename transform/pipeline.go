// Package transform interprets an ordered list of image commands and turns a
// decoded image into a network-ready buffer.
//
// A Pipeline is validated once when it is built. Apply never touches the
// caller's buffer: the first step works on a private copy and every later
// step consumes the buffer produced by the one before it.
package transform

import (
	"TensorPrepServer/logger"
	"TensorPrepServer/tensor"
	"fmt"

	"go.uber.org/zap"
)

// StepError reports which command of a pipeline failed.
type StepError struct {
	Index int
	Op    Op
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Op, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Visualizer receives a snapshot of the working buffer for the visualize command.
type Visualizer interface {
	Show(buf tensor.Buffer, perm []int) error
}

type Pipeline struct {
	steps      []Step
	visualizer Visualizer
}

type Option func(*Pipeline)

// WithVisualizer routes visualize commands to v. Without it they are no-ops.
func WithVisualizer(v Visualizer) Option {
	return func(p *Pipeline) {
		p.visualizer = v
	}
}

// Build validates every step before returning a runnable pipeline.
func Build(steps []Step, opts ...Option) (*Pipeline, error) {
	for i, s := range steps {
		if err := s.Validate(); err != nil {
			return nil, &StepError{Index: i, Op: s.Op, Err: err}
		}
	}
	p := &Pipeline{steps: append([]Step(nil), steps...)}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Apply runs the pipeline and returns the transformed buffer together with
// the shape the image had before any step ran.
func (p *Pipeline) Apply(buf tensor.Buffer) (tensor.Buffer, [3]int, error) {
	orig := buf.Shape
	if err := buf.Validate(); err != nil {
		return tensor.Buffer{}, orig, err
	}
	cur := buf.Clone()
	for i, s := range p.steps {
		next, err := p.apply(cur, s)
		if err != nil {
			return tensor.Buffer{}, orig, &StepError{Index: i, Op: s.Op, Err: err}
		}
		logger.Log().Debug("transform step applied",
			zap.Int("index", i),
			zap.Stringer("op", s.Op),
			zap.Ints("shape", next.Shape[:]),
			zap.Stringer("layout", next.Layout))
		cur = next
	}
	return cur, orig, nil
}

func (p *Pipeline) apply(b tensor.Buffer, s Step) (tensor.Buffer, error) {
	switch s.Op {
	case OpResize:
		return resize(b, s.Ints[0], s.Ints[1])
	case OpResizeToMinDim:
		return resizeToMinDim(b, s.Ints[0], s.Ints[1])
	case OpResizeToMaxDim:
		return resizeToMaxDim(b, s.Ints[0], s.Ints[1])
	case OpCropLetterbox:
		return cropLetterbox(b, s.Floats[0])
	case OpCropCenter:
		return cropCenter(b, s.Ints[0], s.Ints[1])
	case OpPixelScale:
		return pixelScale(b, s.Floats[0]), nil
	case OpMeanSubtract:
		return meanSubtract(b, s.Floats)
	case OpChannelTranspose:
		return b.Transpose(s.perm())
	case OpChannelSwap:
		return channelSwap(b, s.perm())
	case OpVisualize:
		if p.visualizer != nil {
			if err := p.visualizer.Show(b, s.Ints); err != nil {
				logger.Log().Warn("visualize failed", zap.Error(err))
			}
		}
		return b, nil
	}
	return tensor.Buffer{}, fmt.Errorf("unhandled operation %s", s.Op)
}
