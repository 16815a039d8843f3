package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-hpu/layers"
)

func convModelSpec(t *testing.T) *layers.ModelSpec {
	t.Helper()

	spec, err := layers.NewModelBuilder([]int{1, 1, 4, 4}).
		AddConv2D(2, 3, 1, 1, false, "conv1").
		AddReLU("relu1").
		AddFlatten("flatten1").
		AddDense(3, true, "fc1").
		Compile()
	require.NoError(t, err)
	return spec
}

func TestONNXExportImportRoundTrip(t *testing.T) {
	checkpoint := &Checkpoint{
		ModelSpec: convModelSpec(t),
		Weights: []WeightTensor{
			{
				Name:  "conv1.weight",
				Shape: []int{2, 1, 3, 3},
				Data:  rampData(18),
				Layer: "conv1",
				Type:  "weight",
			},
			{
				Name:  "fc1.weight",
				Shape: []int{32, 3},
				Data:  rampData(96),
				Layer: "fc1",
				Type:  "weight",
			},
			{
				Name:  "fc1.bias",
				Shape: []int{3},
				Data:  rampData(3),
				Layer: "fc1",
				Type:  "bias",
			},
		},
	}

	path := filepath.Join(t.TempDir(), "model.onnx")
	saver := NewCheckpointSaver(FormatONNX)

	require.NoError(t, saver.Save(checkpoint, path))

	loaded, err := saver.Load(path)
	require.NoError(t, err)

	require.Equal(t, "go-hpu", loaded.Metadata.Framework)
	require.Len(t, loaded.Weights, 3)

	for i, w := range loaded.Weights {
		require.Equal(t, checkpoint.Weights[i].Name, w.Name)
		require.Equal(t, checkpoint.Weights[i].Shape, w.Shape)
		require.Equal(t, checkpoint.Weights[i].Data, w.Data)
		require.Equal(t, checkpoint.Weights[i].Layer, w.Layer)
		require.Equal(t, checkpoint.Weights[i].Type, w.Type)
	}
}

func TestONNXExportWithoutModelSpec(t *testing.T) {
	checkpoint := &Checkpoint{
		Weights: []WeightTensor{
			{Name: "fc1.weight", Shape: []int{2, 2}, Data: rampData(4)},
		},
	}

	path := filepath.Join(t.TempDir(), "weights.onnx")
	saver := NewCheckpointSaver(FormatONNX)

	require.NoError(t, saver.Save(checkpoint, path))

	loaded, err := saver.Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Weights, 1)
	require.Equal(t, []int{2, 2}, loaded.Weights[0].Shape)
	require.Equal(t, rampData(4), loaded.Weights[0].Data)
}

func TestONNXImportRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.onnx")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xff, 0xff, 0xff, 0xff}, 0644))

	_, err := NewONNXImporter().ImportFromONNX(path)
	require.Error(t, err)
}

func rampData(n int) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i)
	}
	return data
}
