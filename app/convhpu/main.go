package main

import (
	"fmt"
	"log"
	"math/rand"

	"github.com/tsawler/go-hpu/checkpoints"
	"github.com/tsawler/go-hpu/hpu"
	"github.com/tsawler/go-hpu/layers"
	"github.com/tsawler/go-hpu/strategy"
	"github.com/tsawler/go-hpu/tensor"
	"github.com/tsawler/go-hpu/training"
)

const (
	imageSize  = 28
	numClasses = 10
	batchSize  = 32
)

func main() {
	fmt.Println("=== Go-HPU: Convolutional Training Demo ===")

	// Probe for an HPU. The demo runs either way: with a device the conv
	// weights are permuted to the accelerator layout and step boundaries
	// are flushed; without one it trains on CPU.
	capability := hpu.Detect()
	fmt.Printf("\n1. Device Probe\n")
	fmt.Printf("  Available: %v\n", capability.Available)
	if capability.Available {
		fmt.Printf("  Runtime version: %s\n", capability.Version)
		fmt.Printf("  Device count: %d\n", capability.DeviceCount)
	}

	fmt.Println("\n2. Building Model")
	spec, err := layers.NewModelBuilder([]int{batchSize, 1, imageSize, imageSize}).
		AddConv2D(16, 3, 1, 1, false, "conv1").
		AddReLU("relu1").
		AddFlatten("flatten1").
		AddDense(numClasses, true, "fc1").
		Compile()
	if err != nil {
		log.Fatalf("Failed to compile model spec: %v", err)
	}
	fmt.Printf("  Total parameters: %d\n", spec.TotalParameters)

	training.SetRandomSeed(42)
	model, err := training.BuildFromSpec(spec)
	if err != nil {
		log.Fatalf("Failed to build model: %v", err)
	}

	fmt.Println("\n3. Preparing Data")
	trainData, trainLabels := syntheticDigits(1024, 1)
	validData, validLabels := syntheticDigits(256, 2)
	testData, testLabels := syntheticDigits(256, 3)

	trainLoader, err := training.NewDataLoader(trainData, trainLabels, batchSize, true)
	if err != nil {
		log.Fatalf("Failed to create train loader: %v", err)
	}
	validLoader, err := training.NewDataLoader(validData, validLabels, batchSize, false)
	if err != nil {
		log.Fatalf("Failed to create validation loader: %v", err)
	}
	testLoader, err := training.NewDataLoader(testData, testLabels, batchSize, false)
	if err != nil {
		log.Fatalf("Failed to create test loader: %v", err)
	}
	fmt.Printf("  Train: %d samples, Valid: %d, Test: %d\n",
		trainLoader.NumSamples(), validLoader.NumSamples(), testLoader.NumSamples())

	fmt.Println("\n4. Training")
	strat := strategy.NewSingleDeviceStrategy(strategy.SingleDeviceConfig{
		Capability: capability,
		Relayout:   checkpoints.RelayoutPerSave,
	})

	optimizer := training.NewAdam(model.Parameters(), 0.02)
	trainer, err := training.NewTrainer(strat, model, optimizer, training.NewCrossEntropyLoss(), training.TrainingConfig{
		Epochs:         3,
		PrintEvery:     10,
		ValidateEvery:  1,
		CheckpointPath: "convhpu_checkpoint.json",
		ModelSpec:      spec,
	})
	if err != nil {
		log.Fatalf("Failed to create trainer: %v", err)
	}

	if err := trainer.Train(trainLoader, validLoader); err != nil {
		log.Fatalf("Training failed: %v", err)
	}

	fmt.Println("\n5. Test Evaluation")
	testLoss, testAcc, err := trainer.Evaluate(testLoader)
	if err != nil {
		log.Fatalf("Test evaluation failed: %v", err)
	}
	fmt.Printf("  Test Loss=%.4f, Test Acc=%.2f%%\n", testLoss, testAcc)

	fmt.Println("\n6. Teardown")
	if err := strat.Teardown(); err != nil {
		log.Fatalf("Teardown failed: %v", err)
	}
	if capability.Available {
		fmt.Printf("  Steps flushed during run: %d\n", strat.Runtime().StepsFlushed())
	}
	fmt.Println("  Model restored to standard weight layout")
	fmt.Println("  Checkpoint written to convhpu_checkpoint.json")
}

// syntheticDigits generates a toy classification dataset: each class gets a
// distinct bright stripe so the conv model has a learnable signal.
func syntheticDigits(n int, seed int64) (*tensor.Tensor, *tensor.Tensor) {
	rng := rand.New(rand.NewSource(seed))

	data := make([]float32, n*imageSize*imageSize)
	labels := make([]int32, n)

	for i := 0; i < n; i++ {
		class := int32(rng.Intn(numClasses))
		labels[i] = class

		base := i * imageSize * imageSize
		for j := 0; j < imageSize*imageSize; j++ {
			data[base+j] = rng.Float32() * 0.1
		}
		// Bright horizontal stripe at a class-specific row.
		row := int(class)*2 + 4
		for col := 0; col < imageSize; col++ {
			data[base+row*imageSize+col] = 1.0
		}
	}

	dataT, err := tensor.NewTensor([]int{n, 1, imageSize, imageSize}, tensor.Float32, tensor.CPU, data)
	if err != nil {
		log.Fatalf("Failed to create data tensor: %v", err)
	}
	labelT, err := tensor.NewTensor([]int{n}, tensor.Int32, tensor.CPU, labels)
	if err != nil {
		log.Fatalf("Failed to create label tensor: %v", err)
	}

	return dataT, labelT
}
