package eval

import (
	iface "TensorPrepServer/interface"
	"fmt"
	"strings"
)

// FormatClassification renders the top k predictions of every output row.
// paths names the rows; with no paths each row is reported as raw_input.
// The header count is always the number of output rows.
func FormatClassification(outputs [][]float32, paths []string, labels []string, k int) (string, error) {
	if len(paths) > len(outputs) {
		return "", fmt.Errorf("%w: %d paths for %d outputs", iface.ErrRange, len(paths), len(outputs))
	}
	rows := len(paths)
	if rows == 0 {
		rows = len(outputs)
	}
	var sb strings.Builder
	for i := 0; i < rows; i++ {
		name := "raw_input"
		if i < len(paths) && paths[i] != "" {
			name = paths[i]
		}
		ranking, err := TopK(outputs[i], labels, k)
		if err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(&sb, "---------- Prediction %d/%d for %s ----------\n", i+1, len(outputs), name)
		writeRanking(&sb, ranking)
	}
	return sb.String(), nil
}

func writeRanking(sb *strings.Builder, r Ranking) {
	for _, p := range r {
		fmt.Fprintf(sb, "%.4f \"%s\"\n", p.Confidence, p.Label)
	}
}
