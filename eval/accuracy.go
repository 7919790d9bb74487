package eval

import (
	"fmt"
	"sync/atomic"
)

// Accuracy tallies golden verdicts for top-1 and top-K. Workers may call
// Observe concurrently.
type Accuracy struct {
	K int

	top1    atomic.Int64
	topK    atomic.Int64
	scored  atomic.Int64
	unknown atomic.Int64
}

func NewAccuracy(k int) *Accuracy {
	return &Accuracy{K: k}
}

// Observe checks one score vector and returns its top-K verdict.
func (a *Accuracy) Observe(g GoldenMap, scores []float32, filename string, labels []string) (Verdict, error) {
	v1, err := g.Check(scores, filename, labels, 1)
	if err != nil {
		return Unknown, err
	}
	if v1 == Unknown {
		a.unknown.Add(1)
		return Unknown, nil
	}
	vk, err := g.Check(scores, filename, labels, a.K)
	if err != nil {
		return Unknown, err
	}
	a.scored.Add(1)
	if v1 == Hit {
		a.top1.Add(1)
	}
	if vk == Hit {
		a.topK.Add(1)
	}
	return vk, nil
}

type AccuracySnapshot struct {
	K       int   `json:"k"`
	Scored  int64 `json:"scored"`
	Unknown int64 `json:"unknown"`
	Top1    int64 `json:"top1"`
	TopK    int64 `json:"topk"`
}

func (a *Accuracy) Snapshot() AccuracySnapshot {
	return AccuracySnapshot{
		K:       a.K,
		Scored:  a.scored.Load(),
		Unknown: a.unknown.Load(),
		Top1:    a.top1.Load(),
		TopK:    a.topK.Load(),
	}
}

func (s AccuracySnapshot) Top1Rate() float64 {
	if s.Scored == 0 {
		return 0
	}
	return float64(s.Top1) / float64(s.Scored)
}

func (s AccuracySnapshot) TopKRate() float64 {
	if s.Scored == 0 {
		return 0
	}
	return float64(s.TopK) / float64(s.Scored)
}

func (s AccuracySnapshot) String() string {
	return fmt.Sprintf("Average accuracy (n=%d) Top-1: %.1f%%, Top-%d: %.1f%% (%d without golden label)",
		s.Scored, 100*s.Top1Rate(), s.K, 100*s.TopKRate(), s.Unknown)
}
