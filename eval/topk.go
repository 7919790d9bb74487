// Package eval ranks network scores, checks them against a golden manifest
// and renders the classic prediction report.
package eval

import (
	iface "TensorPrepServer/interface"
	"fmt"
	"math"
	"sort"
)

type Prediction struct {
	Confidence float32 `json:"confidence"`
	Label      string  `json:"label"`
}

func (p Prediction) String() string {
	return fmt.Sprintf("%.4f %q", p.Confidence, p.Label)
}

// Ranking is ordered by descending confidence.
type Ranking []Prediction

func (r Ranking) Contains(label string) bool {
	for _, p := range r {
		if p.Label == label {
			return true
		}
	}
	return false
}

// TopK returns the k highest scores paired with their labels. Indices are
// stably sorted ascending and the last k are read back to front, so among
// equal scores the higher class index ranks first. NaN sorts above every
// number.
func TopK(scores []float32, labels []string, k int) (Ranking, error) {
	if k < 0 || k > len(scores) {
		return nil, fmt.Errorf("%w: top-%d of %d scores", iface.ErrRange, k, len(scores))
	}
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return less(scores[idx[a]], scores[idx[b]])
	})

	out := make(Ranking, 0, k)
	for i := len(idx) - 1; i >= len(idx)-k; i-- {
		c := idx[i]
		if c >= len(labels) {
			return nil, fmt.Errorf("%w: class %d has no label (%d labels)", iface.ErrNotFound, c, len(labels))
		}
		out = append(out, Prediction{Confidence: scores[c], Label: labels[c]})
	}
	return out, nil
}

func less(a, b float32) bool {
	an, bn := math.IsNaN(float64(a)), math.IsNaN(float64(b))
	if an || bn {
		return !an && bn
	}
	return a < b
}
