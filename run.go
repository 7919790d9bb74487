package main

import (
	"TensorPrepServer/config"
	"TensorPrepServer/engine"
	"TensorPrepServer/eval"
	iface "TensorPrepServer/interface"
	"TensorPrepServer/imageio"
	"TensorPrepServer/logger"
	"TensorPrepServer/monitor"
	"TensorPrepServer/parallel"
	"TensorPrepServer/preset"
	"TensorPrepServer/tensor"
	"TensorPrepServer/transform"
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// runner holds what one effective configuration needs for a batch run.
// Slot i of pre and backends belongs to one goroutine at a time.
type runner struct {
	cfg      config.Config
	preset   preset.Preset
	labels   []string
	golden   eval.GoldenMap
	accuracy *eval.Accuracy
	pre      []*preset.Preprocessor
	backends []iface.Backend
	log      *zap.Logger
}

type batchOutput struct {
	names  []string
	scores [][]float32
	report string
}

func newRunner(c config.Config) (*runner, error) {
	r := &runner{cfg: c, log: logger.Named("run").With(zap.String("conf", c.Name))}
	var err error
	if r.preset, err = c.BuildPreset(); err != nil {
		return nil, err
	}
	if c.Labels != "" {
		if r.labels, err = eval.LoadLabels(c.Labels); err != nil {
			return nil, err
		}
	}
	if c.Golden != "" {
		if r.golden, err = eval.LoadGoldenMap(c.Golden); err != nil {
			return nil, err
		}
		r.accuracy = eval.NewAccuracy(c.TopK)
	}
	dec, err := imageio.New(c.Decoder)
	if err != nil {
		return nil, err
	}
	var vis transform.Visualizer
	if c.VisualizeDir != "" {
		if vis, err = transform.NewSnapshotWriter(c.VisualizeDir); err != nil {
			return nil, err
		}
	}
	for i := 0; i < c.Engine.Workers; i++ {
		r.pre = append(r.pre, &preset.Preprocessor{Decoder: dec, Visualizer: vis, Logger: r.log.With(zap.Int("slot", i))})
	}
	if c.Engine.Model == "" && c.Engine.Weights == "" {
		r.log.Warn("no model or weights configured, images are only preprocessed")
		return r, nil
	}

	backends := make([]iface.Backend, c.Engine.Workers)
	errs := make([]error, c.Engine.Workers)
	ec := c.Backend()
	parallel.ForEach(c.Engine.Workers, c.Engine.Workers, func(i int) {
		backends[i], errs[i] = engine.NewBackend(ec)
	})
	for i, b := range backends {
		if errs[i] == nil {
			r.backends = append(r.backends, b)
		}
	}
	for i, err := range errs {
		if err != nil {
			r.close()
			return nil, fmt.Errorf("backend %d: %w", i, err)
		}
	}
	return r, nil
}

func (r *runner) close() {
	for _, b := range r.backends {
		b.Destroy()
	}
}

// runBatch classifies every configured image, in batches of at most
// BatchSize, and writes the prediction report to out.
func runBatch(ctx context.Context, c config.Config, out io.Writer) error {
	paths, err := imageio.FindImages(c.Images)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("%w: no images under %v", iface.ErrNotFound, c.Images)
	}
	r, err := newRunner(c)
	if err != nil {
		return err
	}
	defer r.close()

	size := max(c.BatchSize, 1)
	var batches [][]string
	for start := 0; start < len(paths); start += size {
		batches = append(batches, paths[start:min(start+size, len(paths))])
	}
	r.log.Info("starting run", zap.Int("images", len(paths)), zap.Int("batches", len(batches)))

	for pass := 0; ; pass++ {
		outputs := make([]batchOutput, len(batches))
		parallel.ForEachSlot(len(batches), len(r.pre), func(slot, i int) {
			if ctx.Err() != nil {
				return
			}
			outputs[i] = r.runOne(slot, batches[i])
		})
		for _, o := range outputs {
			fmt.Fprint(out, o.report)
		}
		if r.accuracy != nil {
			fmt.Fprintln(out, r.accuracy.Snapshot())
		}
		if !c.Perpetual || ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Debug("perpetual pass finished", zap.Int("pass", pass))
	}
}

func (r *runner) runOne(slot int, paths []string) batchOutput {
	var o batchOutput
	tensors := make([]tensor.Tensor, 0, len(paths))
	for _, p := range paths {
		start := time.Now()
		res, err := r.pre[slot].Run(preset.FromPath(p), r.preset)
		if err != nil {
			monitor.FailuresTotal.WithLabelValues("transform").Inc()
			r.log.Error("preprocess failed", zap.Error(err))
			continue
		}
		monitor.Observe("transform", start)
		monitor.ImagesTotal.WithLabelValues(r.preset.Kind.String()).Inc()
		tensors = append(tensors, res.Tensor)
		o.names = append(o.names, p)
	}
	if len(tensors) == 0 {
		return o
	}
	batch, err := tensor.Stack(tensors...)
	if err != nil {
		r.log.Error("cannot batch images", zap.Strings("images", o.names), zap.Error(err))
		return o
	}
	if len(r.backends) == 0 {
		r.log.Info("preprocessed batch", zap.Ints("shape", batch.Shape), zap.Int("bytes", len(batch.Bytes())))
		return o
	}

	start := time.Now()
	flat, err := r.backends[slot].Infer(batch.Data, batch.Shape)
	if err != nil {
		monitor.FailuresTotal.WithLabelValues("infer").Inc()
		r.log.Error("inference failed", zap.Strings("images", o.names), zap.Error(err))
		return o
	}
	monitor.Observe("infer", start)
	per := len(flat) / len(o.names)
	for i := range o.names {
		row := flat[i*per : (i+1)*per]
		if r.cfg.OutSize < len(row) {
			row = row[:r.cfg.OutSize]
		}
		o.scores = append(o.scores, row)
	}
	if r.labels == nil {
		return o
	}

	o.report, err = eval.FormatClassification(o.scores, o.names, r.labels, r.cfg.TopK)
	if err != nil {
		r.log.Error("cannot rank batch", zap.Error(err))
	}
	if r.accuracy != nil {
		for i, name := range o.names {
			v, err := r.accuracy.Observe(r.golden, o.scores[i], name, r.labels)
			if err != nil {
				r.log.Warn("golden check failed", zap.String("image", name), zap.Error(err))
				continue
			}
			if v == eval.Unknown {
				r.log.Debug("image has no golden label", zap.String("image", name))
			}
			monitor.VerdictsTotal.WithLabelValues(v.String()).Inc()
		}
	}
	return o
}
