package onnx

import (
	"fmt"
	"math"
)

// meanPool averages hidden states over attended positions.
// hidden is a flattened [seqLen, width] matrix.
func meanPool(hidden []float32, mask []int64, seqLen, width int) ([]float32, error) {
	if len(hidden) < seqLen*width {
		return nil, fmt.Errorf("hidden state has %d values, want %d", len(hidden), seqLen*width)
	}
	out := make([]float32, width)
	var attended float32
	for i := 0; i < seqLen && i < len(mask); i++ {
		if mask[i] == 0 {
			continue
		}
		attended++
		row := hidden[i*width : (i+1)*width]
		for j, v := range row {
			out[j] += v
		}
	}
	if attended == 0 {
		return out, nil
	}
	for j := range out {
		out[j] /= attended
	}
	return out, nil
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}
	return normalized
}
