package eval

import (
	iface "TensorPrepServer/interface"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// LoadLabels reads one label per line. Interior blank lines are kept so
// class indices stay aligned with line numbers.
func LoadLabels(path string) ([]string, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return lines, nil
}

// readLines splits a text file on '\n', tolerating CRLF and a missing or
// present final newline.
func readLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", iface.ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	raw := strings.Split(string(b), "\n")
	if raw[len(raw)-1] == "" {
		raw = raw[:len(raw)-1]
	}
	for i := range raw {
		raw[i] = strings.TrimRight(raw[i], "\r")
	}
	return raw, nil
}
