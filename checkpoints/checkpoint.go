package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tsawler/go-hpu/layers"
	"github.com/tsawler/go-hpu/layout"
	"github.com/tsawler/go-hpu/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Checkpoint represents a complete model state including weights, optimizer
// state, and training metadata. Weights are always stored filters-first
// (KCRS); converting an accelerator-resident model in and out of that order
// is the job of LayoutAwareIO.
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec,omitempty"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", etc.
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointIO saves and loads checkpoints by path. Strategies delegate
// their checkpoint plumbing to an implementation of this interface.
type CheckpointIO interface {
	Save(checkpoint *Checkpoint, path string) error
	Load(path string) (*Checkpoint, error)
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Save saves a complete model checkpoint
func (cs *CheckpointSaver) Save(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return cs.saveONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Load loads a model checkpoint
func (cs *CheckpointSaver) Load(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return cs.loadONNX(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	stampMetadata(checkpoint)

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ") // Pretty print JSON

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &checkpoint, nil
}

// saveONNX saves checkpoint in ONNX format
func (cs *CheckpointSaver) saveONNX(checkpoint *Checkpoint, path string) error {
	stampMetadata(checkpoint)
	exporter := NewONNXExporter()
	return exporter.ExportToONNX(checkpoint, path)
}

// loadONNX loads checkpoint from ONNX format
func (cs *CheckpointSaver) loadONNX(path string) (*Checkpoint, error) {
	importer := NewONNXImporter()
	return importer.ImportFromONNX(path)
}

func stampMetadata(checkpoint *Checkpoint) {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-hpu"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}
}

// ExtractWeights extracts weight data from a model's named parameters.
// Rank-4 parameters must already be in filters-first order; callers that
// train in accelerator layout go through LayoutAwareIO instead.
func ExtractWeights(model layout.ParameterSource) ([]WeightTensor, error) {
	var weights []WeightTensor

	for _, p := range model.NamedParameters() {
		if p.Tensor.Rank() == 4 && p.Tensor.Layout == tensor.FiltersLast {
			return nil, fmt.Errorf("parameter %q is in accelerator layout; permute to filters-first before extraction", p.Name)
		}

		data, err := p.Tensor.Float32Data()
		if err != nil {
			return nil, fmt.Errorf("failed to extract data for parameter %q: %v", p.Name, err)
		}

		layerName := p.Name
		paramType := "weight"
		if idx := strings.LastIndex(p.Name, "."); idx >= 0 {
			layerName = p.Name[:idx]
			paramType = p.Name[idx+1:]
		}

		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Tensor.Shape...),
			Data:  append([]float32(nil), data...),
			Layer: layerName,
			Type:  paramType,
		})
	}

	return weights, nil
}

// LoadWeights loads weight data back into a model's named parameters,
// matching by name and validating shapes.
func LoadWeights(weights []WeightTensor, model layout.ParameterSource) error {
	weightMap := make(map[string]WeightTensor)
	for _, weight := range weights {
		weightMap[weight.Name] = weight
	}

	for _, p := range model.NamedParameters() {
		weight, ok := weightMap[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no weight for parameter %q", p.Name)
		}

		if len(weight.Shape) != len(p.Tensor.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: tensor %v vs weight %v",
				weight.Name, p.Tensor.Shape, weight.Shape)
		}
		for j, dim := range p.Tensor.Shape {
			if dim != weight.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: tensor %d vs weight %d",
					weight.Name, j, dim, weight.Shape[j])
			}
		}

		if err := p.Tensor.SetData(append([]float32(nil), weight.Data...)); err != nil {
			return fmt.Errorf("failed to copy weight data for %s: %v", weight.Name, err)
		}
	}

	return nil
}
