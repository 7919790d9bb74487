package transform

import (
	"TensorPrepServer/logger"
	"TensorPrepServer/tensor"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// SnapshotWriter is the headless Visualizer: every visualize command writes
// an 8-bit PNG of the working buffer into Dir.
type SnapshotWriter struct {
	Dir string
}

func NewSnapshotWriter(dir string) (*SnapshotWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &SnapshotWriter{Dir: dir}, nil
}

func (w *SnapshotWriter) Show(buf tensor.Buffer, perm []int) error {
	var err error
	switch {
	case len(perm) == 3:
		buf, err = buf.Transpose([3]int{perm[0], perm[1], perm[2]})
	case buf.Layout == tensor.CHW:
		buf, err = buf.Transpose([3]int{1, 2, 0})
	}
	if err != nil {
		return err
	}
	img := toUint8(buf)
	mat, err := img.ToMat()
	if err != nil {
		return err
	}
	defer mat.Close()

	path := filepath.Join(w.Dir, uuid.NewString()+".png")
	if !gocv.IMWrite(path, mat) {
		return fmt.Errorf("write snapshot %s failed", path)
	}
	logger.Log().Info("snapshot written", zap.String("path", path), zap.Ints("shape", buf.Shape[:]))
	return nil
}

// toUint8 saturates float samples into 0..255.
func toUint8(b tensor.Buffer) tensor.Buffer {
	if b.DType == tensor.Uint8 {
		return b
	}
	out := tensor.Buffer{Layout: b.Layout, DType: tensor.Uint8, Transposed: b.Transposed, Shape: b.Shape, U8: make([]uint8, len(b.F32))}
	for i, v := range b.F32 {
		out.U8[i] = uint8(math.Max(0, math.Min(255, math.Round(float64(v)))))
	}
	return out
}
