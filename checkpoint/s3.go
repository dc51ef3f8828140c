package checkpoint

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3Archiver struct {
	uploader *manager.Uploader
	bucket   string
}

// newS3Archiver builds an archiver backed by an S3 bucket, with credentials
// and region from the ambient AWS config chain.
func newS3Archiver(ctx context.Context, bucket string) (Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg)
	return &s3Archiver{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
	}, nil
}

func (a *s3Archiver) Name() string { return "s3:" + a.bucket }

func (a *s3Archiver) Put(ctx context.Context, key string, data []byte) error {
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}
