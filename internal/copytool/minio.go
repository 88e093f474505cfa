// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package copytool

// This file contains the object store copy tool built on the minio client, it suits
// minio deployments and other S3 compatible stores

import (
	"context"

	"github.com/leaf-ai/go-pilot/internal/job"

	"github.com/andreidenissov-cog/go-service/pkg/log"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Minio moves files using the minio client
type Minio struct {
	store *objectStore
}

type minioClient struct {
	client *minio.Client
}

// NewMinio returns a copy tool for s3:// endpoints that uses the minio client
func NewMinio(cfg *Config, logger *log.Logger) (tool *Minio) {
	return &Minio{
		store: newObjectStore(cfg, logger, func(host string, secure bool) (objectClient, kv.Error) {
			return dialMinio(cfg, host, secure)
		}),
	}
}

func dialMinio(cfg *Config, host string, secure bool) (client *minioClient, err kv.Error) {
	mc, errGo := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("host", host, "stack", stack.Trace().TrimRuntime())
	}
	return &minioClient{client: mc}, nil
}

func (c *minioClient) get(ctx context.Context, bucket string, key string, fn string) (err kv.Error) {
	if errGo := c.client.FGetObject(ctx, bucket, key, fn, minio.GetObjectOptions{}); errGo != nil {
		return kv.Wrap(errGo).With("bucket", bucket, "key", key, "stack", stack.Trace().TrimRuntime())
	}
	return nil
}

func (c *minioClient) put(ctx context.Context, bucket string, key string, fn string) (err kv.Error) {
	if _, errGo := c.client.FPutObject(ctx, bucket, key, fn, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); errGo != nil {
		return kv.Wrap(errGo).With("bucket", bucket, "key", key, "stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// CopyIn downloads objects into the working directory
func (t *Minio) CopyIn(ctx context.Context, files []*job.FileSpec, workDir string) (results []*job.FileSpec, err kv.Error) {
	return t.store.transfer(ctx, In, files, workDir)
}

// CopyOut uploads files from the working directory
func (t *Minio) CopyOut(ctx context.Context, files []*job.FileSpec, workDir string) (results []*job.FileSpec, err kv.Error) {
	return t.store.transfer(ctx, Out, files, workDir)
}
