package preset

import (
	iface "TensorPrepServer/interface"
	"TensorPrepServer/tensor"
	"TensorPrepServer/transform"
	"fmt"

	"go.uber.org/zap"
)

// Decoder loads an image file into an HWC uint8 BGR buffer.
type Decoder interface {
	Decode(path string) (tensor.Buffer, error)
}

// Source is either a path to decode or an image that is already in memory.
type Source struct {
	Path  string
	Image *tensor.Buffer
}

func FromPath(path string) Source {
	return Source{Path: path}
}

func FromBuffer(b tensor.Buffer) Source {
	return Source{Image: &b}
}

func (s Source) name() string {
	if s.Path != "" {
		return s.Path
	}
	return "raw_input"
}

type Result struct {
	Tensor    tensor.Tensor
	OrigShape [3]int
}

type Preprocessor struct {
	Decoder    Decoder
	Visualizer transform.Visualizer
	Logger     *zap.Logger
}

func (p *Preprocessor) Classification(src Source, params ClassificationParams) (Result, error) {
	return p.Run(src, Preset{Kind: KindClassification, Classification: params})
}

func (p *Preprocessor) Detection(src Source, params DetectionParams) (Result, error) {
	return p.Run(src, Preset{Kind: KindDetection, Detection: params})
}

func (p *Preprocessor) Custom(src Source, steps []transform.Step) (Result, error) {
	return p.Run(src, Preset{Kind: KindCustom, Steps: steps})
}

// Run decodes src, applies the preset and returns a (1,C,H,W) float32 tensor.
// Failures name the image they happened on.
func (p *Preprocessor) Run(src Source, preset Preset) (Result, error) {
	steps, err := preset.BuildSteps()
	if err != nil {
		return Result{}, err
	}
	var opts []transform.Option
	if p.Visualizer != nil {
		opts = append(opts, transform.WithVisualizer(p.Visualizer))
	}
	pipe, err := transform.Build(steps, opts...)
	if err != nil {
		return Result{}, err
	}

	img, err := p.load(src)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", src.name(), err)
	}
	out, orig, err := pipe.Apply(img)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", src.name(), err)
	}
	t, err := out.Batch()
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", src.name(), err)
	}
	if p.Logger != nil {
		p.Logger.Debug("image preprocessed",
			zap.String("image", src.name()),
			zap.Stringer("preset", preset.Kind),
			zap.Ints("orig_shape", orig[:]),
			zap.Ints("tensor_shape", t.Shape))
	}
	return Result{Tensor: t, OrigShape: orig}, nil
}

func (p *Preprocessor) load(src Source) (tensor.Buffer, error) {
	if src.Image != nil {
		return *src.Image, nil
	}
	if src.Path == "" {
		return tensor.Buffer{}, fmt.Errorf("%w: empty image source", iface.ErrConfiguration)
	}
	if p.Decoder == nil {
		return tensor.Buffer{}, fmt.Errorf("%w: no decoder for %s", iface.ErrConfiguration, src.Path)
	}
	return p.Decoder.Decode(src.Path)
}
