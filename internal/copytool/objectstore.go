// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package copytool

// This file contains the transfer loop shared by the S3 compatible object store copy
// tools.  Endpoints are of the form s3://host[:port]/bucket with the rendered file
// location used as the object key.

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/leaf-ai/go-pilot/internal/job"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	"github.com/rs/xid"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// objectClient is the minimal set of operations needed from an object store SDK
type objectClient interface {
	get(ctx context.Context, bucket string, key string, fn string) (err kv.Error)
	put(ctx context.Context, bucket string, key string, fn string) (err kv.Error)
}

// objectStore caches one client per storage host
type objectStore struct {
	cfg     *Config
	clients map[string]objectClient
	dial    func(host string, secure bool) (client objectClient, err kv.Error)
	logger  *log.Logger
	sync.Mutex
}

func newObjectStore(cfg *Config, logger *log.Logger, dial func(host string, secure bool) (objectClient, kv.Error)) (store *objectStore) {
	return &objectStore{
		cfg:     cfg,
		clients: map[string]objectClient{},
		dial:    dial,
		logger:  logger,
	}
}

// parseBucketURL splits an endpoint URL into the storage host and the bucket name
func parseBucketURL(endpoint string) (host string, bucket string, secure bool, err kv.Error) {
	u, errGo := url.Parse(endpoint)
	if errGo != nil {
		return "", "", false, kv.Wrap(errGo).With("url", endpoint, "stack", stack.Trace().TrimRuntime())
	}
	switch u.Scheme {
	case "s3", "http":
	case "s3s", "https":
		secure = true
	default:
		return "", "", false, kv.NewError("unsupported object store scheme").With("url", endpoint, "stack", stack.Trace().TrimRuntime())
	}
	bucket = strings.Trim(u.Path, "/")
	if len(u.Host) == 0 || len(bucket) == 0 {
		return "", "", false, kv.NewError("object store url needs a host and a bucket").With("url", endpoint, "stack", stack.Trace().TrimRuntime())
	}
	return u.Host, bucket, secure, nil
}

func (s *objectStore) client(host string, secure bool) (client objectClient, err kv.Error) {
	s.Lock()
	defer s.Unlock()

	if client, isPresent := s.clients[host]; isPresent {
		return client, nil
	}
	if client, err = s.dial(host, secure || s.cfg.UseSSL); err != nil {
		return nil, err
	}
	s.clients[host] = client
	return client, nil
}

func (s *objectStore) transfer(ctx context.Context, d Direction, files []*job.FileSpec, workDir string) (results []*job.FileSpec, err kv.Error) {
	for _, f := range files {
		f.Reset()

		if ctx.Err() != nil {
			fail(f, d.failedCode(), "transfer cancelled", s.logger)
			continue
		}

		ep, key, err := resolve(s.cfg, f)
		if err != nil {
			fail(f, d.failedCode(), err.Error(), s.logger)
			continue
		}
		host, bucket, secure, err := parseBucketURL(ep.URL)
		if err != nil {
			fail(f, d.failedCode(), err.Error(), s.logger)
			continue
		}
		client, err := s.client(host, secure)
		if err != nil {
			fail(f, d.failedCode(), err.Error(), s.logger)
			continue
		}

		local := f.LocalPath(workDir)
		if code, err := s.move(ctx, d, client, f, bucket, key, local); err != nil {
			fail(f, code, err.Error(), s.logger)
			continue
		}

		sum, err := verify(f, local)
		if err != nil {
			fail(f, d.failedCode(), err.Error(), s.logger)
			continue
		}
		if fi, errGo := os.Stat(local); errGo == nil {
			f.Size = fi.Size()
		}
		succeed(f, remoteURL(ep, key), sum, s.logger)

		if s.logger != nil {
			s.logger.Debug("object transferred", "did", f.DID(), "direction", d, "bucket", bucket, "key", key)
		}
	}
	return files, nil
}

// move performs a single object transfer under the size based deadline.  Downloads
// land in a temporary file that is renamed once complete.
//
func (s *objectStore) move(ctx context.Context, d Direction, client objectClient, f *job.FileSpec, bucket string, key string, local string) (code int, err kv.Error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, TransferTimeout(f.Size))
	defer cancel()

	if d == Out {
		if _, err = verify(f, local); err != nil {
			return d.failedCode(), err
		}
		err = client.put(timeoutCtx, bucket, key, local)
	} else {
		if errGo := os.MkdirAll(filepath.Dir(local), 0700); errGo != nil {
			return d.failedCode(), kv.Wrap(errGo).With("file", local, "stack", stack.Trace().TrimRuntime())
		}
		tmp := filepath.Join(filepath.Dir(local), "."+xid.New().String())
		if err = client.get(timeoutCtx, bucket, key, tmp); err == nil {
			if errGo := os.Rename(tmp, local); errGo != nil {
				err = kv.Wrap(errGo).With("file", local, "stack", stack.Trace().TrimRuntime())
			}
		}
		_ = os.Remove(tmp)
	}

	if err != nil {
		if timeoutCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return d.timeoutCode(), err
		}
		return d.failedCode(), err
	}
	return 0, nil
}
