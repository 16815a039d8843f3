package training

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-hpu/tensor"
)

// Batch holds one mini-batch of samples and labels
type Batch struct {
	Data   *tensor.Tensor
	Labels *tensor.Tensor
}

// DataLoader slices a dataset tensor into shuffled mini-batches
type DataLoader struct {
	data      *tensor.Tensor // [numSamples, ...]
	labels    *tensor.Tensor // [numSamples] Int32
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	err       error
}

// NewDataLoader creates a new DataLoader. data's first dimension is the
// sample dimension; labels must be a 1-D Int32 tensor of the same length.
func NewDataLoader(data, labels *tensor.Tensor, batchSize int, shuffle bool) (*DataLoader, error) {
	if len(data.Shape) < 2 {
		return nil, fmt.Errorf("data must have at least 2 dimensions, got shape %v", data.Shape)
	}
	if len(labels.Shape) != 1 {
		return nil, fmt.Errorf("labels must be 1-D, got shape %v", labels.Shape)
	}
	if labels.DType != tensor.Int32 {
		return nil, fmt.Errorf("labels must be Int32, got %s", labels.DType)
	}
	if data.Shape[0] != labels.Shape[0] {
		return nil, fmt.Errorf("sample count mismatch: data has %d, labels have %d", data.Shape[0], labels.Shape[0])
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	return &DataLoader{
		data:      data,
		labels:    labels,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(1)),
	}, nil
}

// NumSamples returns the total number of samples
func (dl *DataLoader) NumSamples() int {
	return dl.data.Shape[0]
}

// NumBatches returns the number of batches per epoch (partial last batch included)
func (dl *DataLoader) NumBatches() int {
	return (dl.NumSamples() + dl.batchSize - 1) / dl.batchSize
}

// Err reports the error, if any, that cut the most recent iteration short.
// It is valid once the iterator's channel has closed; an epoch that ends
// early without Err being set simply ran out of samples.
func (dl *DataLoader) Err() error {
	return dl.err
}

// Iterator yields batches over a channel. Each call starts a fresh epoch;
// with shuffling enabled the sample order changes between epochs. An error
// while building a batch stops the epoch and is reported through Err.
func (dl *DataLoader) Iterator() <-chan Batch {
	ch := make(chan Batch)
	dl.err = nil

	go func() {
		defer close(ch)

		numSamples := dl.NumSamples()
		order := make([]int, numSamples)
		for i := range order {
			order[i] = i
		}
		if dl.shuffle {
			dl.rng.Shuffle(numSamples, func(i, j int) {
				order[i], order[j] = order[j], order[i]
			})
		}

		sampleSize := dl.data.NumElems / numSamples
		dataSrc, err := dl.data.Float32Data()
		if err != nil {
			dl.err = fmt.Errorf("failed to read sample data: %v", err)
			return
		}
		labelSrc, err := dl.labels.Int32Data()
		if err != nil {
			dl.err = fmt.Errorf("failed to read labels: %v", err)
			return
		}

		for start := 0; start < numSamples; start += dl.batchSize {
			end := start + dl.batchSize
			if end > numSamples {
				end = numSamples
			}
			count := end - start

			batchData := make([]float32, count*sampleSize)
			batchLabels := make([]int32, count)
			for i := 0; i < count; i++ {
				src := order[start+i]
				copy(batchData[i*sampleSize:(i+1)*sampleSize], dataSrc[src*sampleSize:(src+1)*sampleSize])
				batchLabels[i] = labelSrc[src]
			}

			batchShape := append([]int{count}, dl.data.Shape[1:]...)
			dataT, err := tensor.NewTensor(batchShape, tensor.Float32, dl.data.Device, batchData)
			if err != nil {
				dl.err = fmt.Errorf("failed to build batch data tensor: %v", err)
				return
			}
			labelT, err := tensor.NewTensor([]int{count}, tensor.Int32, dl.labels.Device, batchLabels)
			if err != nil {
				dl.err = fmt.Errorf("failed to build batch label tensor: %v", err)
				return
			}

			ch <- Batch{Data: dataT, Labels: labelT}
		}
	}()

	return ch
}
