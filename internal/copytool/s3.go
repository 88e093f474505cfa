// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package copytool

// This file contains the object store copy tool built on the AWS SDK, it is
// used for AWS S3 itself and any S3 compatible service that prefers path style
// bucket addressing

import (
	"context"
	"os"

	"github.com/leaf-ai/go-pilot/internal/job"

	"github.com/andreidenissov-cog/go-service/pkg/log"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// defaultRegion is the region used when neither the configuration nor the environment has one
const defaultRegion = "us-west-1"

// S3 moves files using the AWS SDK
type S3 struct {
	store *objectStore
}

type awsClient struct {
	downloader *s3manager.Downloader
	uploader   *s3manager.Uploader
}

// NewS3 returns a copy tool for s3:// endpoints that uses the AWS SDK
func NewS3(cfg *Config, logger *log.Logger) (tool *S3) {
	return &S3{
		store: newObjectStore(cfg, logger, func(host string, secure bool) (objectClient, kv.Error) {
			return dialAWS(cfg, host, secure)
		}),
	}
}

func dialAWS(cfg *Config, host string, secure bool) (client *awsClient, err kv.Error) {
	region := cfg.Region
	if len(region) == 0 {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if len(region) == 0 {
		region = defaultRegion
	}

	awsCfg := &aws.Config{
		Endpoint:         aws.String(host),
		Region:           aws.String(region),
		DisableSSL:       aws.Bool(!secure),
		S3ForcePathStyle: aws.Bool(true),
	}
	// Without static keys the default credentials chain is used
	if len(cfg.AccessKey) != 0 && len(cfg.SecretKey) != 0 {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, errGo := session.NewSession(awsCfg)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("host", host, "region", region, "stack", stack.Trace().TrimRuntime())
	}
	return &awsClient{
		downloader: s3manager.NewDownloader(sess),
		uploader:   s3manager.NewUploader(sess),
	}, nil
}

func (c *awsClient) get(ctx context.Context, bucket string, key string, fn string) (err kv.Error) {
	f, errGo := os.OpenFile(fn, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if errGo != nil {
		return kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}
	defer f.Close()

	if _, errGo = c.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); errGo != nil {
		return kv.Wrap(errGo).With("bucket", bucket, "key", key, "stack", stack.Trace().TrimRuntime())
	}
	if errGo = f.Close(); errGo != nil {
		return kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}
	return nil
}

func (c *awsClient) put(ctx context.Context, bucket string, key string, fn string) (err kv.Error) {
	f, errGo := os.Open(fn)
	if errGo != nil {
		return kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}
	defer f.Close()

	if _, errGo = c.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
	}); errGo != nil {
		return kv.Wrap(errGo).With("bucket", bucket, "key", key, "stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// CopyIn downloads objects into the working directory
func (t *S3) CopyIn(ctx context.Context, files []*job.FileSpec, workDir string) (results []*job.FileSpec, err kv.Error) {
	return t.store.transfer(ctx, In, files, workDir)
}

// CopyOut uploads files from the working directory
func (t *S3) CopyOut(ctx context.Context, files []*job.FileSpec, workDir string) (results []*job.FileSpec, err kv.Error) {
	return t.store.transfer(ctx, Out, files, workDir)
}
