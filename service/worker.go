// Package service runs the classification workers and exposes them over
// HTTP and websocket.
package service

import (
	"TensorPrepServer/eval"
	iface "TensorPrepServer/interface"
	"TensorPrepServer/logger"
	"TensorPrepServer/monitor"
	"TensorPrepServer/preset"
	"TensorPrepServer/tensor"
	"TensorPrepServer/transform"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type JobKind int

const (
	JobClassify JobKind = iota
	JobPreprocess
)

// Job is one image travelling through the queue. Image holds encoded
// bytes; Buffer, when set, skips decoding.
type Job struct {
	ID     string
	Kind   JobKind
	Name   string
	Image  []byte
	Buffer *tensor.Buffer
	Preset preset.Preset
	K      int
	Result chan JobResult
}

type JobResult struct {
	ID          string        `json:"id"`
	Name        string        `json:"name,omitempty"`
	Ranking     eval.Ranking  `json:"ranking,omitempty"`
	Verdict     string        `json:"verdict,omitempty"`
	Expected    string        `json:"expected,omitempty"`
	OrigShape   [3]int        `json:"origShape"`
	TensorShape []int         `json:"tensorShape"`
	Tensor      []float32     `json:"-"`
	Scores      []float32     `json:"-"`
	Err         error         `json:"-"`
	Elapsed     time.Duration `json:"elapsedNs"`
}

type BytesDecoder interface {
	DecodeBytes(data []byte) (tensor.Buffer, error)
}

// BackendFactory creates the private backend of one worker.
type BackendFactory func() (iface.Backend, error)

type PoolOptions struct {
	Factory    BackendFactory
	Decoder    BytesDecoder
	Visualizer transform.Visualizer
	Labels     []string
	Golden     eval.GoldenMap
	Accuracy   *eval.Accuracy
	OutSize    int
	QueueSize  int
}

type worker struct {
	id      int
	backend iface.Backend
	pre     *preset.Preprocessor
}

// Pool is the job queue. Every worker owns its backend and preprocessor;
// only the label table and golden map are shared, read-only.
type Pool struct {
	opts    PoolOptions
	jobs    chan Job
	workers []*worker
	wg      sync.WaitGroup
	running atomic.Int32
	closed  atomic.Bool
	stopMu  sync.RWMutex
}

func NewPool(opts PoolOptions) *Pool {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	return &Pool{opts: opts, jobs: make(chan Job, opts.QueueSize)}
}

func (p *Pool) Labels() []string { return p.opts.Labels }

func (p *Pool) Accuracy() *eval.Accuracy { return p.opts.Accuracy }

// Running reports how many workers are serving the queue.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Start creates workerNum backends up front and fails without starting any
// worker if one of them cannot be created.
func (p *Pool) Start(workerNum int) error {
	if workerNum <= 0 {
		return fmt.Errorf("%w: worker count %d", iface.ErrConfiguration, workerNum)
	}
	for i := 0; i < workerNum; i++ {
		w := &worker{id: i, pre: &preset.Preprocessor{
			Visualizer: p.opts.Visualizer,
			Logger:     logger.Named("worker").With(zap.Int("worker", i)),
		}}
		if p.opts.Factory != nil {
			b, err := p.opts.Factory()
			if err != nil {
				p.destroyWorkers()
				return fmt.Errorf("worker %d: %w", i, err)
			}
			w.backend = b
		}
		p.workers = append(p.workers, w)
	}
	for _, w := range p.workers {
		p.wg.Add(1)
		go p.runWorker(w)
	}
	return nil
}

func (p *Pool) runWorker(w *worker) {
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		if r := recover(); r != nil {
			logger.Log().Error("worker panic, restarting in 1s", zap.Int("worker", w.id), zap.Any("panic", r))
			time.Sleep(1 * time.Second)
			if !p.closed.Load() {
				go p.runWorker(w)
				return
			}
		}
		p.wg.Done()
	}()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.Log().Info("worker created", zap.Int("worker", w.id))
	for job := range p.jobs {
		monitor.WorkersBusy.Inc()
		res := p.safeHandle(w, job)
		monitor.WorkersBusy.Dec()
		job.Result <- res
	}
}

// safeHandle turns a panic inside one job into that job's error so the
// submitter is never left waiting.
func (p *Pool) safeHandle(w *worker, job Job) (res JobResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("job panic", zap.Int("worker", w.id), zap.String("job", job.ID), zap.Any("panic", r))
			monitor.FailuresTotal.WithLabelValues("panic").Inc()
			res = JobResult{ID: job.ID, Name: job.Name, Err: fmt.Errorf("%s: worker %d panic: %v", job.displayName(), w.id, r)}
		}
	}()
	return p.handle(w, job)
}

func (p *Pool) handle(w *worker, job Job) (res JobResult) {
	start := time.Now()
	res = JobResult{ID: job.ID, Name: job.Name}
	defer func() { res.Elapsed = time.Since(start) }()

	buf, err := p.decode(job)
	if err != nil {
		monitor.FailuresTotal.WithLabelValues("decode").Inc()
		res.Err = err
		return res
	}
	monitor.Observe("decode", start)

	t0 := time.Now()
	pr, err := w.pre.Run(preset.Source{Path: job.Name, Image: &buf}, job.Preset)
	if err != nil {
		monitor.FailuresTotal.WithLabelValues("transform").Inc()
		res.Err = err
		return res
	}
	monitor.Observe("transform", t0)
	monitor.ImagesTotal.WithLabelValues(job.Preset.Kind.String()).Inc()
	res.OrigShape = pr.OrigShape
	res.TensorShape = pr.Tensor.Shape
	if job.Kind == JobPreprocess {
		res.Tensor = pr.Tensor.Data
		return res
	}

	if w.backend == nil {
		res.Err = errors.New("no inference backend configured")
		return res
	}
	t0 = time.Now()
	scores, err := w.backend.Infer(pr.Tensor.Data, pr.Tensor.Shape)
	if err != nil {
		monitor.FailuresTotal.WithLabelValues("infer").Inc()
		res.Err = fmt.Errorf("%s: infer: %w", job.displayName(), err)
		return res
	}
	monitor.Observe("infer", t0)
	if p.opts.OutSize > 0 && len(scores) > p.opts.OutSize {
		scores = scores[:p.opts.OutSize]
	}
	res.Scores = scores

	res.Ranking, err = eval.TopK(scores, p.opts.Labels, job.K)
	if err != nil {
		monitor.FailuresTotal.WithLabelValues("rank").Inc()
		res.Err = fmt.Errorf("%s: %w", job.displayName(), err)
		return res
	}
	if p.opts.Golden != nil && job.Name != "" {
		res.Verdict, res.Expected = p.verdict(scores, job)
	}
	return res
}

func (p *Pool) verdict(scores []float32, job Job) (string, string) {
	v, err := p.opts.Golden.Check(scores, job.Name, p.opts.Labels, job.K)
	if err != nil {
		logger.Log().Warn("golden check failed", zap.String("image", job.Name), zap.Error(err))
		return eval.Unknown.String(), ""
	}
	if p.opts.Accuracy != nil {
		if _, err := p.opts.Accuracy.Observe(p.opts.Golden, scores, job.Name, p.opts.Labels); err != nil {
			logger.Log().Warn("accuracy tally failed", zap.String("image", job.Name), zap.Error(err))
		}
	}
	monitor.VerdictsTotal.WithLabelValues(v.String()).Inc()
	expected, _ := p.opts.Golden.Expected(job.Name, p.opts.Labels)
	return v.String(), expected
}

func (p *Pool) decode(job Job) (tensor.Buffer, error) {
	if job.Buffer != nil {
		return *job.Buffer, nil
	}
	if p.opts.Decoder == nil {
		return tensor.Buffer{}, fmt.Errorf("%w: no decoder configured", iface.ErrConfiguration)
	}
	buf, err := p.opts.Decoder.DecodeBytes(job.Image)
	if err != nil {
		return tensor.Buffer{}, fmt.Errorf("%s: %w", job.displayName(), err)
	}
	return buf, nil
}

func (j Job) displayName() string {
	if j.Name != "" {
		return j.Name
	}
	return "raw_input"
}

var ErrPoolClosed = errors.New("worker pool is closed")

// Submit queues job and waits for its result or for ctx to end.
func (p *Pool) Submit(ctx context.Context, job Job) (JobResult, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.K <= 0 {
		job.K = 1
	}
	job.Result = make(chan JobResult, 1)

	p.stopMu.RLock()
	if p.closed.Load() {
		p.stopMu.RUnlock()
		return JobResult{}, ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		p.stopMu.RUnlock()
	case <-ctx.Done():
		p.stopMu.RUnlock()
		return JobResult{}, ctx.Err()
	}

	select {
	case res := <-job.Result:
		return res, res.Err
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}

// Stop closes the queue, waits for the workers to drain it and destroys
// their backends.
func (p *Pool) Stop() {
	p.stopMu.Lock()
	if p.closed.Swap(true) {
		p.stopMu.Unlock()
		return
	}
	close(p.jobs)
	p.stopMu.Unlock()
	p.wg.Wait()
	p.destroyWorkers()
	logger.Log().Info("worker pool stopped")
}

func (p *Pool) destroyWorkers() {
	for _, w := range p.workers {
		if w.backend != nil {
			w.backend.Destroy()
		}
	}
	p.workers = nil
}
