package training

import (
	"fmt"
	"time"

	"github.com/tsawler/go-hpu/checkpoints"
	"github.com/tsawler/go-hpu/layers"
	"github.com/tsawler/go-hpu/strategy"
	"github.com/tsawler/go-hpu/tensor"
)

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs        int
	PrintEvery    int  // Print training stats every N batches
	ValidateEvery int  // Run validation every N epochs (0 = no validation)
	EarlyStopping bool // Enable early stopping based on validation loss
	Patience      int  // Number of epochs to wait for improvement before stopping

	// CheckpointPath, when set, is where the trainer writes checkpoints
	// through the strategy's layout-aware checkpoint plumbing.
	CheckpointPath string
	// CheckpointEvery writes a checkpoint every N epochs (0 = final epoch only).
	CheckpointEvery int
	// ModelSpec, when set, is embedded in saved checkpoints.
	ModelSpec *layers.ModelSpec
}

// TrainingMetrics holds metrics for a single epoch
type TrainingMetrics struct {
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	ValidLoss     float64
	ValidAccuracy float64
	EpochDuration time.Duration
	BatchCount    int
}

// Trainer manages the training process. Device placement, weight layout,
// gradient reduction, and lazy-execution flushes all live in the strategy;
// the trainer only drives the epoch and batch loops.
type Trainer struct {
	strat     strategy.Strategy
	model     Module
	optimizer Optimizer
	criterion Loss
	config    TrainingConfig
	metrics   []TrainingMetrics
	step      int
	bestLoss  float64
	bestAcc   float64

	// bestValidLoss is tracked separately from bestLoss so the early
	// stopping patience never compares validation loss against training
	// loss.
	bestValidLoss float64
}

// NewTrainer creates a new Trainer and hands the model and optimizer to the
// strategy for setup.
func NewTrainer(strat strategy.Strategy, model Module, optimizer Optimizer, criterion Loss, config TrainingConfig) (*Trainer, error) {
	if err := strat.Setup(model, optimizer); err != nil {
		return nil, fmt.Errorf("strategy setup failed: %v", err)
	}

	return &Trainer{
		strat:         strat,
		model:         model,
		optimizer:     optimizer,
		criterion:     criterion,
		config:        config,
		metrics:       make([]TrainingMetrics, 0),
		bestLoss:      1e10,
		bestValidLoss: 1e10,
	}, nil
}

// Train runs the complete training loop
func (t *Trainer) Train(trainLoader, validLoader *DataLoader) error {
	fmt.Printf("Starting training for %d epochs with strategy %s\n", t.config.Epochs, t.strat.Name())

	patienceCounter := 0

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		epochStart := time.Now()

		// Training phase
		t.model.Train()
		trainLoss, trainAcc, batchCount, err := t.trainEpoch(trainLoader, epoch)
		if err != nil {
			return fmt.Errorf("training epoch %d failed: %v", epoch, err)
		}

		metrics := TrainingMetrics{
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			EpochDuration: time.Since(epochStart),
			BatchCount:    batchCount,
		}

		if trainLoss < t.bestLoss {
			t.bestLoss = trainLoss
		}
		if trainAcc > t.bestAcc {
			t.bestAcc = trainAcc
		}

		// Validation phase
		if validLoader != nil && t.config.ValidateEvery > 0 && (epoch+1)%t.config.ValidateEvery == 0 {
			t.model.Eval()
			validLoss, validAcc, err := t.Evaluate(validLoader)
			if err != nil {
				return fmt.Errorf("validation epoch %d failed: %v", epoch, err)
			}

			metrics.ValidLoss = validLoss
			metrics.ValidAccuracy = validAcc

			if t.config.EarlyStopping {
				if validLoss < t.bestValidLoss {
					t.bestValidLoss = validLoss
					patienceCounter = 0
				} else {
					patienceCounter++
					if patienceCounter >= t.config.Patience {
						fmt.Printf("Early stopping triggered after %d epochs\n", epoch+1)
						t.metrics = append(t.metrics, metrics)
						break
					}
				}
			}
		}

		t.metrics = append(t.metrics, metrics)
		t.printEpochSummary(metrics)

		if t.config.CheckpointPath != "" && t.config.CheckpointEvery > 0 && (epoch+1)%t.config.CheckpointEvery == 0 {
			if err := t.SaveCheckpoint(t.config.CheckpointPath, epoch); err != nil {
				return fmt.Errorf("checkpoint at epoch %d failed: %v", epoch, err)
			}
		}
	}

	if t.config.CheckpointPath != "" && t.config.CheckpointEvery == 0 {
		if err := t.SaveCheckpoint(t.config.CheckpointPath, t.config.Epochs-1); err != nil {
			return fmt.Errorf("final checkpoint failed: %v", err)
		}
	}

	return nil
}

// trainEpoch runs one training epoch
func (t *Trainer) trainEpoch(trainLoader *DataLoader, epoch int) (float64, float64, int, error) {
	var totalLoss float64
	var totalCorrect int
	var totalSamples int
	var batchCount int

	for batch := range trainLoader.Iterator() {
		batchStart := time.Now()

		// Zero gradients
		t.optimizer.ZeroGrad()

		// Forward pass
		output, err := t.model.Forward(batch.Data)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("forward pass failed: %v", err)
		}

		// Compute loss
		lossValue, err := t.criterion.Forward(output, batch.Labels)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("loss computation failed: %v", err)
		}

		// Backward pass through the strategy so device flushes and
		// gradient reduction happen at the right points
		gradOutput, err := t.criterion.Backward()
		if err != nil {
			return 0, 0, 0, fmt.Errorf("loss backward failed: %v", err)
		}
		if err := t.strat.Backward(gradOutput); err != nil {
			return 0, 0, 0, fmt.Errorf("backward pass failed: %v", err)
		}

		// Update parameters
		if err := t.strat.OptimizerStep(); err != nil {
			return 0, 0, 0, fmt.Errorf("optimizer step failed: %v", err)
		}
		t.step++

		// Accumulate metrics
		batchSize := batch.Data.Shape[0]
		totalLoss += lossValue * float64(batchSize)
		totalSamples += batchSize
		batchCount++

		correct, err := t.calculateAccuracy(output, batch.Labels)
		if err == nil {
			totalCorrect += correct
		}

		// Print batch progress
		if t.config.PrintEvery > 0 && batchCount%t.config.PrintEvery == 0 {
			avgLoss := totalLoss / float64(totalSamples)
			accuracy := float64(totalCorrect) / float64(totalSamples) * 100.0
			fmt.Printf("Epoch %d, Batch %d: Loss=%.4f, Acc=%.2f%%, Time=%v\n",
				epoch, batchCount, avgLoss, accuracy, time.Since(batchStart))
		}
	}

	if err := trainLoader.Err(); err != nil {
		return 0, 0, 0, fmt.Errorf("data loading failed: %v", err)
	}
	if totalSamples == 0 {
		return 0, 0, 0, fmt.Errorf("training loader produced no samples")
	}

	avgLoss := totalLoss / float64(totalSamples)
	accuracy := float64(totalCorrect) / float64(totalSamples) * 100.0

	return avgLoss, accuracy, batchCount, nil
}

// Evaluate runs the model over a dataset without updating parameters and
// returns the average loss and accuracy percentage.
func (t *Trainer) Evaluate(loader *DataLoader) (float64, float64, error) {
	var totalLoss float64
	var totalCorrect int
	var totalSamples int

	for batch := range loader.Iterator() {
		output, err := t.model.Forward(batch.Data)
		if err != nil {
			return 0, 0, fmt.Errorf("evaluation forward pass failed: %v", err)
		}

		lossValue, err := t.criterion.Forward(output, batch.Labels)
		if err != nil {
			return 0, 0, fmt.Errorf("evaluation loss computation failed: %v", err)
		}

		batchSize := batch.Data.Shape[0]
		totalLoss += lossValue * float64(batchSize)
		totalSamples += batchSize

		correct, err := t.calculateAccuracy(output, batch.Labels)
		if err == nil {
			totalCorrect += correct
		}
	}

	if err := loader.Err(); err != nil {
		return 0, 0, fmt.Errorf("data loading failed: %v", err)
	}
	if totalSamples == 0 {
		return 0, 0, fmt.Errorf("evaluation loader produced no samples")
	}

	avgLoss := totalLoss / float64(totalSamples)
	accuracy := float64(totalCorrect) / float64(totalSamples) * 100.0

	return avgLoss, accuracy, nil
}

// SaveCheckpoint writes the current model and training state through the
// strategy's layout-aware checkpoint plumbing.
func (t *Trainer) SaveCheckpoint(path string, epoch int) error {
	checkpoint := &checkpoints.Checkpoint{
		ModelSpec: t.config.ModelSpec,
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			Step:         t.step,
			LearningRate: float32(t.optimizer.GetLR()),
			BestLoss:     float32(t.bestLoss),
			BestAccuracy: float32(t.bestAcc),
			TotalSteps:   t.step,
		},
		OptimizerState: &checkpoints.OptimizerState{
			Type: optimizerName(t.optimizer),
			Parameters: map[string]interface{}{
				"learning_rate": t.optimizer.GetLR(),
			},
		},
	}

	return t.strat.CheckpointIO().SaveModel(t.model, checkpoint, path)
}

// LoadCheckpoint restores model weights from a checkpoint written by
// SaveCheckpoint, respecting the model's current weight layout.
func (t *Trainer) LoadCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	checkpoint, err := t.strat.CheckpointIO().LoadModel(t.model, path)
	if err != nil {
		return nil, err
	}

	t.step = checkpoint.TrainingState.Step
	t.optimizer.SetLR(float64(checkpoint.TrainingState.LearningRate))
	return checkpoint, nil
}

// Metrics returns the per-epoch metrics collected so far
func (t *Trainer) Metrics() []TrainingMetrics {
	return t.metrics
}

// calculateAccuracy computes classification accuracy
func (t *Trainer) calculateAccuracy(output, target *tensor.Tensor) (int, error) {
	if output.DType != tensor.Float32 || target.DType != tensor.Int32 {
		return 0, fmt.Errorf("accuracy calculation requires Float32 output and Int32 target")
	}
	if len(output.Shape) != 2 || len(target.Shape) != 1 {
		return 0, fmt.Errorf("accuracy calculation requires 2D output and 1D target")
	}

	batchSize := output.Shape[0]
	numClasses := output.Shape[1]
	if target.Shape[0] != batchSize {
		return 0, fmt.Errorf("batch size mismatch: output %d, target %d", batchSize, target.Shape[0])
	}

	outputData, err := output.Float32Data()
	if err != nil {
		return 0, err
	}
	targetData, err := target.Int32Data()
	if err != nil {
		return 0, err
	}

	correct := 0
	for i := 0; i < batchSize; i++ {
		maxIdx := 0
		maxVal := outputData[i*numClasses]
		for j := 1; j < numClasses; j++ {
			if outputData[i*numClasses+j] > maxVal {
				maxVal = outputData[i*numClasses+j]
				maxIdx = j
			}
		}
		if int32(maxIdx) == targetData[i] {
			correct++
		}
	}

	return correct, nil
}

// printEpochSummary prints a summary line for a finished epoch
func (t *Trainer) printEpochSummary(metrics TrainingMetrics) {
	if metrics.ValidLoss > 0 {
		fmt.Printf("Epoch %d: Train Loss=%.4f, Train Acc=%.2f%%, Valid Loss=%.4f, Valid Acc=%.2f%%, Time=%v\n",
			metrics.Epoch, metrics.TrainLoss, metrics.TrainAccuracy,
			metrics.ValidLoss, metrics.ValidAccuracy, metrics.EpochDuration)
	} else {
		fmt.Printf("Epoch %d: Train Loss=%.4f, Train Acc=%.2f%%, Time=%v\n",
			metrics.Epoch, metrics.TrainLoss, metrics.TrainAccuracy, metrics.EpochDuration)
	}
}

// optimizerName maps an optimizer to its checkpoint type string
func optimizerName(opt Optimizer) string {
	switch opt.(type) {
	case *SGD:
		return "SGD"
	case *Adam:
		return "Adam"
	default:
		return "Unknown"
	}
}
