package iface

import "errors"

// Error classes shared by every package. Callers match them with errors.Is.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrNotFound          = errors.New("not found")
	ErrRange             = errors.New("range error")
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

type EngineConfig struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
	InputShape  []int64
	OutputSize  int
	WeightsDir  string
	FCIndex     int
}

// Backend is the inference engine a worker hands finished tensors to.
// The input is a contiguous NCHW float32 tensor; the output is the flat
// score vector, batch-major.
type Backend interface {
	Load(cfg EngineConfig) error
	Infer(input []float32, shape []int) ([]float32, error)
	Destroy()
	CheckConfig() EngineConfig
}
