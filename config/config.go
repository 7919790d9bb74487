// Package config loads the YAML run configuration. A file may carry a confs
// list; every entry is overlaid on the top-level settings to give one
// effective configuration per entry.
package config

import (
	iface "TensorPrepServer/interface"
	"TensorPrepServer/logger"
	"TensorPrepServer/preset"
	"TensorPrepServer/transform"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const MaxBatchSize = 16

type EngineConfig struct {
	Model       string `yaml:"model"`
	LibraryPath string `yaml:"libraryPath"`
	Variant     string `yaml:"variant"`
	InputName   string `yaml:"inputName"`
	OutputName  string `yaml:"outputName"`
	Weights     string `yaml:"weights"`
	FCIndex     int    `yaml:"fcIndex"`
	Workers     int    `yaml:"workersNum"`
}

type ServerConfig struct {
	HTTPPort      int    `yaml:"HTTPPort"`
	RPCPort       int    `yaml:"RPCPort"`
	MetricsPort   int    `yaml:"MetricsPort"`
	InstanceClass string `yaml:"instanceClass"`
	UseRegServer  bool   `yaml:"UseRegServer"`
	RegServerHost string `yaml:"RegServerHost"`
	RegServerPort int    `yaml:"RegServerPort"`
}

type DetectionConfig struct {
	Fill float64 `yaml:"fill"`
	Swap [3]int  `yaml:"swap"`
}

type Config struct {
	Name            string          `yaml:"name"`
	Images          []string        `yaml:"images"`
	Labels          string          `yaml:"labels"`
	Golden          string          `yaml:"golden"`
	Preset          string          `yaml:"preset"`
	ImageTransforms []string        `yaml:"imageTransforms"`
	Width           int             `yaml:"width"`
	Height          int             `yaml:"height"`
	RawScale        float64         `yaml:"rawScale"`
	Mean            []float64       `yaml:"mean"`
	InputScale      float64         `yaml:"inputScale"`
	Detection       DetectionConfig `yaml:"detection"`
	OutSize         int             `yaml:"outsz"`
	TopK            int             `yaml:"topK"`
	BatchSize       int             `yaml:"batchSize"`
	Perpetual       bool            `yaml:"perpetual"`
	Decoder         string          `yaml:"decoder"`
	VisualizeDir    string          `yaml:"visualizeDir"`
	LogLevel        string          `yaml:"logLevel"`
	Engine          EngineConfig    `yaml:"engine"`
	Server          ServerConfig    `yaml:"server"`
	Confs           []yaml.Node     `yaml:"confs"`
}

func Default() Config {
	cls := preset.DefaultClassification()
	det := preset.DefaultDetection()
	return Config{
		Preset:     "classification",
		Width:      cls.Width,
		Height:     cls.Height,
		RawScale:   cls.RawScale,
		Mean:       cls.Mean[:],
		InputScale: cls.InputScale,
		Detection:  DetectionConfig{Fill: det.Fill, Swap: det.Swap},
		OutSize:    1000,
		TopK:       5,
		BatchSize:  1,
		Decoder:    "gocv",
		LogLevel:   "info",
		Engine: EngineConfig{
			InputName:  "data",
			OutputName: "prob",
			Workers:    1,
		},
		Server: ServerConfig{
			HTTPPort:      8080,
			RPCPort:       50051,
			MetricsPort:   9090,
			InstanceClass: "Cpu",
			RegServerPort: 8000,
		},
	}
}

// Load reads path over the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("%w: config %s", iface.ErrNotFound, path)
	}
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", iface.ErrConfiguration, err)
	}
	return c, nil
}

func (c Config) clone() Config {
	out := c
	out.Images = append([]string(nil), c.Images...)
	out.ImageTransforms = append([]string(nil), c.ImageTransforms...)
	out.Mean = append([]float64(nil), c.Mean...)
	out.Confs = nil
	return out
}

// Effective returns one validated configuration per confs entry, or the
// base configuration alone when there are none. Keys missing from an entry
// keep the base value.
func (c Config) Effective() ([]Config, error) {
	if len(c.Confs) == 0 {
		base := c.clone()
		if err := base.Normalize(); err != nil {
			return nil, err
		}
		return []Config{base}, nil
	}
	out := make([]Config, 0, len(c.Confs))
	for i := range c.Confs {
		e := c.clone()
		if err := c.Confs[i].Decode(&e); err != nil {
			return nil, fmt.Errorf("%w: confs[%d]: %v", iface.ErrConfiguration, i, err)
		}
		e.Confs = nil
		if e.Name == "" {
			e.Name = fmt.Sprintf("conf%d", i)
		}
		if err := e.Normalize(); err != nil {
			return nil, fmt.Errorf("confs[%d]: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Normalize clamps the batch size and then validates.
func (c *Config) Normalize() error {
	if c.BatchSize > MaxBatchSize {
		logger.Log().Warn("Limiting batch size", zap.Int("requested", c.BatchSize), zap.Int("max", MaxBatchSize))
		c.BatchSize = MaxBatchSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	return c.Validate()
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	bad := func(format string, a ...any) error {
		return fmt.Errorf("%w: %s", iface.ErrConfiguration, fmt.Sprintf(format, a...))
	}
	kind, err := preset.ParseKind(c.Preset)
	if err != nil {
		return err
	}
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return bad("width and height must be positive, got %dx%d", c.Width, c.Height)
	case len(c.Mean) != 3:
		return bad("mean needs 3 values, got %d", len(c.Mean))
	case c.TopK <= 0:
		return bad("topK must be positive, got %d", c.TopK)
	case c.OutSize <= 0:
		return bad("outsz must be positive, got %d", c.OutSize)
	case c.TopK > c.OutSize:
		return bad("topK %d exceeds outsz %d", c.TopK, c.OutSize)
	case c.Engine.Workers <= 0:
		return bad("engine.workersNum must be positive, got %d", c.Engine.Workers)
	case c.Engine.Variant != "" && c.Engine.Variant != "v3":
		return bad("unknown engine variant %q", c.Engine.Variant)
	}
	if kind == preset.KindCustom {
		if _, err := c.Steps(); err != nil {
			return err
		}
	}
	return nil
}

// BuildPreset assembles the preprocessing recipe this configuration selects.
func (c Config) BuildPreset() (preset.Preset, error) {
	kind, err := preset.ParseKind(c.Preset)
	if err != nil {
		return preset.Preset{}, err
	}
	p := preset.Preset{
		Kind: kind,
		Classification: preset.ClassificationParams{
			Width:      c.Width,
			Height:     c.Height,
			RawScale:   c.RawScale,
			InputScale: c.InputScale,
		},
		Detection: preset.DetectionParams{
			Width:  c.Width,
			Height: c.Height,
			Fill:   c.Detection.Fill,
			Swap:   c.Detection.Swap,
		},
	}
	copy(p.Classification.Mean[:], c.Mean)
	if kind == preset.KindCustom {
		if p.Steps, err = c.Steps(); err != nil {
			return preset.Preset{}, err
		}
	}
	return p, nil
}

// Steps parses imageTransforms, e.g. ["resize 224 224", "chtranspose 2 0 1"].
func (c Config) Steps() ([]transform.Step, error) {
	if len(c.ImageTransforms) == 0 {
		return nil, fmt.Errorf("%w: custom preset needs imageTransforms", iface.ErrConfiguration)
	}
	return transform.ParseSteps(c.ImageTransforms)
}

// ResolveLibrary picks the runtime library. The v3 variant prefers a
// "<libraryPath>.v3" sibling when one exists.
func (e EngineConfig) ResolveLibrary() string {
	if e.Variant == "v3" && e.LibraryPath != "" {
		candidate := e.LibraryPath + ".v3"
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return e.LibraryPath
}

// Backend translates the engine section into what an inference backend
// needs. InputShape is left empty for custom presets, whose output size is
// only known once a tensor has been produced.
func (c Config) Backend() iface.EngineConfig {
	ec := iface.EngineConfig{
		ModelPath:   c.Engine.Model,
		LibraryPath: c.Engine.ResolveLibrary(),
		InputName:   c.Engine.InputName,
		OutputName:  c.Engine.OutputName,
		OutputSize:  c.OutSize,
		WeightsDir:  c.Engine.Weights,
		FCIndex:     c.Engine.FCIndex,
	}
	switch kind, _ := preset.ParseKind(c.Preset); kind {
	case preset.KindClassification:
		ec.InputShape = []int64{int64(c.BatchSize), 3, int64(c.Height), int64(c.Width)}
	case preset.KindDetection:
		side := int64(max(c.Width, c.Height))
		ec.InputShape = []int64{int64(c.BatchSize), 3, side, side}
	}
	return ec
}
