// Package preset holds the two standard preprocessing recipes and the
// Preprocessor that decodes an image, runs a recipe and batches the result.
package preset

import (
	iface "TensorPrepServer/interface"
	"TensorPrepServer/transform"
	"fmt"
	"strings"
)

type Kind int

const (
	KindClassification Kind = iota
	KindDetection
	KindCustom
)

var kindNames = map[Kind]string{
	KindClassification: "classification",
	KindDetection:      "detection",
	KindCustom:         "custom",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func ParseKind(name string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for k, v := range kindNames {
		if v == n {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown preset %q", iface.ErrConfiguration, name)
}

// ClassificationParams configures the direct-resize classification recipe.
type ClassificationParams struct {
	Width      int
	Height     int
	RawScale   float64
	Mean       [3]float64
	InputScale float64
}

func DefaultClassification() ClassificationParams {
	return ClassificationParams{
		Width:      224,
		Height:     224,
		RawScale:   255,
		Mean:       [3]float64{104.007, 116.669, 122.679},
		InputScale: 1.0,
	}
}

// ClassificationSteps resizes without keeping aspect, rescales, subtracts
// the per-channel mean and moves channels first.
func ClassificationSteps(p ClassificationParams) []transform.Step {
	return []transform.Step{
		transform.Resize(p.Width, p.Height),
		transform.PixelScale(p.RawScale / 255),
		transform.MeanSubtract(p.Mean[:]...),
		transform.PixelScale(p.InputScale),
		transform.ChannelTranspose([3]int{2, 0, 1}),
	}
}

type DetectionParams struct {
	Width  int
	Height int
	Fill   float64
	Swap   [3]int
}

func DefaultDetection() DetectionParams {
	return DetectionParams{Width: 416, Height: 416, Fill: 0.5, Swap: [3]int{2, 1, 0}}
}

// DetectionSteps letterboxes into a square, normalises to [0,1] and
// converts BGR HWC into RGB CHW.
func DetectionSteps(p DetectionParams) []transform.Step {
	return []transform.Step{
		transform.ResizeToMaxDim(p.Width, p.Height),
		transform.PixelScale(1.0 / 255.0),
		transform.CropLetterbox(p.Fill),
		transform.ChannelTranspose([3]int{2, 0, 1}),
		transform.ChannelSwap(p.Swap),
	}
}

// Preset selects a recipe. Steps is only read for KindCustom.
type Preset struct {
	Kind           Kind
	Classification ClassificationParams
	Detection      DetectionParams
	Steps          []transform.Step
}

func (p Preset) BuildSteps() ([]transform.Step, error) {
	switch p.Kind {
	case KindClassification:
		return ClassificationSteps(p.Classification), nil
	case KindDetection:
		return DetectionSteps(p.Detection), nil
	case KindCustom:
		if len(p.Steps) == 0 {
			return nil, fmt.Errorf("%w: custom preset has no steps", iface.ErrConfiguration)
		}
		return p.Steps, nil
	}
	return nil, fmt.Errorf("%w: unknown preset %s", iface.ErrConfiguration, p.Kind)
}
