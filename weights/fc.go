// Package weights loads the fully-connected head that some exported
// networks leave to the host CPU.
package weights

import (
	iface "TensorPrepServer/interface"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FC is a dense layer stored row-major as (out, in).
type FC struct {
	Weights []float32
	Bias    []float32
}

func (f *FC) Out() int { return len(f.Bias) }

func (f *FC) In() int {
	if len(f.Bias) == 0 {
		return 0
	}
	return len(f.Weights) / len(f.Bias)
}

// Apply computes W·x + b for every row of a batch-major input.
func (f *FC) Apply(x []float32) ([]float32, error) {
	in, out := f.In(), f.Out()
	if in == 0 || len(x)%in != 0 {
		return nil, fmt.Errorf("%w: fc expects rows of %d values, got %d", iface.ErrConfiguration, in, len(x))
	}
	rows := len(x) / in
	y := make([]float32, rows*out)
	for r := 0; r < rows; r++ {
		xr := x[r*in : (r+1)*in]
		for o := 0; o < out; o++ {
			w := f.Weights[o*in : (o+1)*in]
			sum := f.Bias[o]
			for i, v := range xr {
				sum += w[i] * v
			}
			y[r*out+o] = sum
		}
	}
	return y, nil
}

// NearestPrefixMatch returns the index-th entry of dir, in sorted order,
// whose name starts with prefix. It returns "" when nothing matches.
func NearestPrefixMatch(dir, prefix string, index int) (string, error) {
	return nearestMatch(dir, prefix, "", index)
}

func nearestMatch(dir, prefix, exclude string, index int) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: weights dir %s", iface.ErrNotFound, dir)
		}
		return "", err
	}
	var matches []string
	for _, e := range entries {
		n := e.Name()
		if !strings.HasPrefix(n, prefix) || (exclude != "" && strings.HasPrefix(n, exclude)) {
			continue
		}
		matches = append(matches, n)
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	if index < 0 || index >= len(matches) {
		return "", fmt.Errorf("%w: %d %s* files in %s, wanted index %d", iface.ErrRange, len(matches), prefix, dir, index)
	}
	return filepath.Join(dir, matches[index]), nil
}

// LoadFC reads the fc and fc_bias text files from dir. Each is looked up by
// exact name first, then as the index-th prefix match. A directory without
// any fc file yields a nil layer and no error.
func LoadFC(dir string, index int) (*FC, error) {
	wPath, err := locate(dir, "fc", "fc_bias", index)
	if err != nil {
		return nil, err
	}
	if wPath == "" {
		return nil, nil
	}
	bPath, err := locate(dir, "fc_bias", "", index)
	if err != nil {
		return nil, err
	}
	if bPath == "" {
		return nil, fmt.Errorf("%w: %s has fc weights but no fc_bias", iface.ErrNotFound, dir)
	}
	w, err := readFloats(wPath)
	if err != nil {
		return nil, err
	}
	b, err := readFloats(bPath)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 || len(w)%len(b) != 0 {
		return nil, fmt.Errorf("%w: %d fc weights do not divide into %d outputs", iface.ErrConfiguration, len(w), len(b))
	}
	return &FC{Weights: w, Bias: b}, nil
}

func locate(dir, name, exclude string, index int) (string, error) {
	exact := filepath.Join(dir, name)
	if _, err := os.Stat(exact); err == nil {
		return exact, nil
	}
	return nearestMatch(dir, name, exclude, index)
}

func readFloats(path string) ([]float32, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(b))
	out := make([]float32, len(fields))
	for i, s := range fields {
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %s value %d: %q", iface.ErrConfiguration, path, i, s)
		}
		out[i] = float32(v)
	}
	return out, nil
}
