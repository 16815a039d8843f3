package checkpoints

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/require"
)

// fakeS3 stores objects in memory keyed by bucket/key.
type fakeS3 struct {
	objects map[string][]byte
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.StringValue(input.Bucket)+"/"+aws.StringValue(input.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.StringValue(input.Bucket)+"/"+aws.StringValue(input.Key)]
	if !ok {
		return nil, fmt.Errorf("no such key: %s", aws.StringValue(input.Key))
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3CheckpointIORoundTrip(t *testing.T) {
	fake := newFakeS3()
	cio := &S3CheckpointIO{svc: fake, bucket: "models", ctx: context.Background()}

	checkpoint := &Checkpoint{
		Weights: []WeightTensor{
			{Name: "conv1.weight", Shape: []int{2, 1, 3, 3}, Data: rampData(18), Layer: "conv1", Type: "weight"},
		},
		TrainingState: TrainingState{Epoch: 7, LearningRate: 0.02},
	}

	require.NoError(t, cio.Save(checkpoint, "runs/exp1/model.json"))
	require.Equal(t, 1, fake.puts)

	loaded, err := cio.Load("runs/exp1/model.json")
	require.NoError(t, err)
	require.Equal(t, 7, loaded.TrainingState.Epoch)
	require.Len(t, loaded.Weights, 1)
	require.Equal(t, rampData(18), loaded.Weights[0].Data)
	require.Equal(t, "go-hpu", loaded.Metadata.Framework)
}

func TestS3CheckpointIOLoadMissingKey(t *testing.T) {
	cio := &S3CheckpointIO{svc: newFakeS3(), bucket: "models", ctx: context.Background()}

	_, err := cio.Load("runs/none.json")
	require.Error(t, err)
}
