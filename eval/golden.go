package eval

import (
	iface "TensorPrepServer/interface"
	"fmt"
	"strconv"
	"strings"
)

type Verdict int

const (
	Unknown Verdict = iota
	Hit
	Miss
)

func (v Verdict) String() string {
	switch v {
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	}
	return "unknown"
}

// GoldenMap maps an image basename to its expected class index. It is
// never written after LoadGoldenMap returns.
type GoldenMap map[string]int

// LoadGoldenMap parses "<filename> <index>" records. The split happens on the
// last space so file names may contain spaces. Later duplicates win.
func LoadGoldenMap(path string) (GoldenMap, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	g := make(GoldenMap, len(lines))
	for n, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		line = strings.TrimRight(line, " \t")
		sp := strings.LastIndexByte(line, ' ')
		if sp <= 0 {
			return nil, fmt.Errorf("%w: %s:%d: want \"<filename> <index>\", got %q", iface.ErrConfiguration, path, n+1, line)
		}
		idx, err := strconv.Atoi(line[sp+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: %s:%d: bad class index %q", iface.ErrConfiguration, path, n+1, line[sp+1:])
		}
		g[line[:sp]] = idx
	}
	return g, nil
}

// basename strips both slash kinds so Windows style manifests still match.
func basename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}

// Check reports whether the expected label of filename is among the top k
// predictions. A file that is not in the manifest yields Unknown.
func (g GoldenMap) Check(scores []float32, filename string, labels []string, k int) (Verdict, error) {
	want, ok := g[basename(filename)]
	if !ok {
		return Unknown, nil
	}
	if want < 0 || want >= len(labels) {
		return Unknown, fmt.Errorf("%w: golden class %d for %s is outside %d labels", iface.ErrNotFound, want, filename, len(labels))
	}
	ranking, err := TopK(scores, labels, k)
	if err != nil {
		return Unknown, fmt.Errorf("%s: %w", filename, err)
	}
	if ranking.Contains(labels[want]) {
		return Hit, nil
	}
	return Miss, nil
}

// IsTopK is Check collapsed to a bool; Unknown counts as false.
func (g GoldenMap) IsTopK(scores []float32, filename string, labels []string, k int) (bool, error) {
	v, err := g.Check(scores, filename, labels, k)
	return v == Hit, err
}

// Expected returns the golden label for filename, if any.
func (g GoldenMap) Expected(filename string, labels []string) (string, bool) {
	want, ok := g[basename(filename)]
	if !ok || want < 0 || want >= len(labels) {
		return "", false
	}
	return labels[want], true
}
