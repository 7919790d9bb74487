package engine

import (
	iface "TensorPrepServer/interface"
	"TensorPrepServer/logger"
	"TensorPrepServer/tensor"
	"TensorPrepServer/weights"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004

var (
	envMu    sync.Mutex
	envReady bool
)

// InitEnvironment loads the onnxruntime shared library once per process.
// An empty libraryPath lets onnxruntime_go use its platform default.
func InitEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envReady {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	envReady = true
	logger.Log().Info("onnxruntime ready", zap.String("library", libraryPath))
	return nil
}

func DestroyEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()
	if !envReady {
		return
	}
	if err := ort.DestroyEnvironment(); err != nil {
		logger.Log().Warn("destroy onnxruntime environment", zap.Error(err))
	}
	envReady = false
}

// Classifier runs a preprocessed NCHW batch through an ONNX model and an
// optional fully-connected head loaded from text weights. With no model the
// head alone is applied to the flattened input rows.
type Classifier struct {
	Config       iface.EngineConfig
	State        int
	ErrorMessage string

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	fc      *weights.FC
}

func (c *Classifier) New() bool {
	c.State = REGISTERED
	return true
}

func (c *Classifier) CheckConfig() iface.EngineConfig {
	return c.Config
}

func (c *Classifier) Load(cfg iface.EngineConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State == UNREGISTERED || c.State == 0 {
		return errors.New("classifier not registered")
	}
	if cfg.ModelPath == "" && cfg.WeightsDir == "" {
		return fmt.Errorf("%w: neither a model nor fc weights configured", iface.ErrConfiguration)
	}
	if cfg.WeightsDir != "" {
		fc, err := weights.LoadFC(cfg.WeightsDir, cfg.FCIndex)
		if err != nil {
			return c.fail(err)
		}
		if fc == nil && cfg.ModelPath == "" {
			return c.fail(fmt.Errorf("%w: no fc layer in %s", iface.ErrNotFound, cfg.WeightsDir))
		}
		c.fc = fc
	}
	if cfg.ModelPath != "" {
		if _, err := os.Stat(cfg.ModelPath); errors.Is(err, fs.ErrNotExist) {
			return c.fail(fmt.Errorf("%w: model %s", iface.ErrNotFound, cfg.ModelPath))
		}
		if err := InitEnvironment(cfg.LibraryPath); err != nil {
			return c.fail(err)
		}
		session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
			[]string{cfg.InputName}, []string{cfg.OutputName}, nil)
		if err != nil {
			return c.fail(fmt.Errorf("failed to create ONNX session: %w", err))
		}
		c.session = session
	}
	c.Config = cfg
	c.State = IDLE
	c.ErrorMessage = ""
	return nil
}

func (c *Classifier) fail(err error) error {
	c.ErrorMessage = err.Error()
	return err
}

// Infer returns the batch-major score vector for an NCHW input.
func (c *Classifier) Infer(input []float32, shape []int) ([]float32, error) {
	c.mu.Lock()
	switch c.State {
	case UNREGISTERED, 0:
		c.mu.Unlock()
		return nil, errors.New("classifier not registered")
	case REGISTERED:
		c.mu.Unlock()
		return nil, errors.New("model not loaded")
	case BUSY:
		c.mu.Unlock()
		return nil, errors.New("classifier is busy")
	}
	c.State = BUSY
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.State = IDLE
		c.mu.Unlock()
	}()

	n := 1
	for _, d := range shape {
		n *= d
	}
	if len(shape) != 4 || n != len(input) {
		return nil, fmt.Errorf("%w: %d values for input shape %v", iface.ErrConfiguration, len(input), shape)
	}
	// the batch axis varies per call; C, H and W are fixed by the model
	if want := c.Config.InputShape; len(want) == 4 {
		for i := 1; i < 4; i++ {
			if int64(shape[i]) != want[i] {
				return nil, fmt.Errorf("%w: input shape %v, model takes (N,%d,%d,%d)",
					iface.ErrConfiguration, shape, want[1], want[2], want[3])
			}
		}
	}

	scores := input
	if c.session != nil {
		var err error
		if scores, err = c.run(tensor.Tensor{Shape: shape, Data: input}); err != nil {
			return nil, err
		}
	}
	if c.fc != nil {
		var err error
		if scores, err = c.fc.Apply(scores); err != nil {
			return nil, err
		}
	}
	if c.Config.OutputSize > 0 && len(scores) != shape[0]*c.Config.OutputSize {
		return nil, fmt.Errorf("%w: model produced %d scores for %d images, want %d each",
			iface.ErrConfiguration, len(scores), shape[0], c.Config.OutputSize)
	}
	return scores, nil
}

func (c *Classifier) run(t tensor.Tensor) ([]float32, error) {
	in, err := ort.NewTensor(ort.NewShape(t.Shape64()...), t.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := c.session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: output %s is not float32", iface.ErrUnsupportedFormat, c.Config.OutputName)
	}
	return append([]float32(nil), out.GetData()...), nil
}

func (c *Classifier) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			logger.Log().Warn("destroy onnx session", zap.Error(err))
		}
		c.session = nil
	}
	c.fc = nil
	c.Config = iface.EngineConfig{}
	c.ErrorMessage = ""
	c.State = UNREGISTERED
}

// NewBackend registers and loads a classifier in one step.
func NewBackend(cfg iface.EngineConfig) (iface.Backend, error) {
	c := &Classifier{}
	c.New()
	if err := c.Load(cfg); err != nil {
		return nil, err
	}
	return c, nil
}
