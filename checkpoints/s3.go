package checkpoints

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"k8s.io/klog/v2"
)

// s3API is the slice of the S3 client used by S3CheckpointIO. Tests supply
// an in-memory implementation.
type s3API interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
}

// S3CheckpointIO stores JSON checkpoints in an S3 bucket. The path passed to
// Save and Load is used as the object key.
type S3CheckpointIO struct {
	svc    s3API
	bucket string
	ctx    context.Context
}

// NewS3CheckpointIO creates a checkpoint backend over an S3 bucket in the
// given region.
func NewS3CheckpointIO(region, bucket string) (*S3CheckpointIO, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %v", err)
	}

	return &S3CheckpointIO{
		svc:    s3.New(sess),
		bucket: bucket,
		ctx:    context.Background(),
	}, nil
}

// Save uploads the checkpoint as a JSON object under the given key.
func (cio *S3CheckpointIO) Save(checkpoint *Checkpoint, path string) error {
	stampMetadata(checkpoint)

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	_, err = cio.svc.PutObjectWithContext(cio.ctx, &s3.PutObjectInput{
		Bucket: aws.String(cio.bucket),
		Key:    aws.String(path),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload checkpoint to s3://%s/%s: %v", cio.bucket, path, err)
	}

	if klog.V(2).Enabled() {
		klog.Infof("checkpoint: uploaded %d bytes to s3://%s/%s", len(data), cio.bucket, path)
	}
	return nil
}

// Load downloads and decodes a checkpoint object.
func (cio *S3CheckpointIO) Load(path string) (*Checkpoint, error) {
	out, err := cio.svc.GetObjectWithContext(cio.ctx, &s3.GetObjectInput{
		Bucket: aws.String(cio.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download checkpoint from s3://%s/%s: %v", cio.bucket, path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint body: %v", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &checkpoint, nil
}
