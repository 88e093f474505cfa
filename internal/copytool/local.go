// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package copytool

// This file contains the copy tool for endpoints that are directories on a locally
// mounted file system, file:///dir URLs

import (
	"context"
	"net/url"
	"os"
	"path/filepath"

	"github.com/leaf-ai/go-pilot/internal/job"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	"github.com/otiai10/copy"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Local copies files to and from file:// endpoints
type Local struct {
	cfg    *Config
	logger *log.Logger
}

// NewLocal returns a copy tool for local directory endpoints
func NewLocal(cfg *Config, logger *log.Logger) (tool *Local) {
	return &Local{
		cfg:    cfg,
		logger: logger,
	}
}

func localDir(ep Endpoint) (dir string, err kv.Error) {
	u, errGo := url.Parse(ep.URL)
	if errGo != nil {
		return "", kv.Wrap(errGo).With("url", ep.URL, "stack", stack.Trace().TrimRuntime())
	}
	if u.Scheme != "file" && u.Scheme != "" {
		return "", kv.NewError("not a local endpoint").With("url", ep.URL, "stack", stack.Trace().TrimRuntime())
	}
	return u.Path, nil
}

func (l *Local) transfer(ctx context.Context, d Direction, files []*job.FileSpec, workDir string) (results []*job.FileSpec, err kv.Error) {
	for _, f := range files {
		f.Reset()

		if ctx.Err() != nil {
			fail(f, d.failedCode(), "transfer cancelled", l.logger)
			continue
		}

		ep, path, err := resolve(l.cfg, f)
		if err != nil {
			fail(f, d.failedCode(), err.Error(), l.logger)
			continue
		}
		dir, err := localDir(ep)
		if err != nil {
			fail(f, d.failedCode(), err.Error(), l.logger)
			continue
		}
		remote := filepath.Join(dir, filepath.FromSlash(path))
		local := f.LocalPath(workDir)

		src, dst := remote, local
		if d == Out {
			src, dst = local, remote
		}

		if d == Out {
			if _, err = verify(f, src); err != nil {
				fail(f, d.failedCode(), err.Error(), l.logger)
				continue
			}
		}

		if errGo := os.MkdirAll(filepath.Dir(dst), 0700); errGo != nil {
			fail(f, d.failedCode(), errGo.Error(), l.logger)
			continue
		}
		// The context is checked before each file entry is copied, a single file
		// already being copied is finished before cancellation is seen
		opts := copy.Options{
			Skip: func(string) (bool, error) {
				return false, ctx.Err()
			},
		}
		if errGo := copy.Copy(src, dst, opts); errGo != nil {
			_ = os.RemoveAll(dst)
			fail(f, d.failedCode(), kv.Wrap(errGo).With("src", src, "dst", dst).Error(), l.logger)
			continue
		}
		if ctx.Err() != nil {
			_ = os.RemoveAll(dst)
			fail(f, d.failedCode(), "transfer cancelled", l.logger)
			continue
		}

		sum, err := verify(f, dst)
		if err != nil {
			fail(f, d.failedCode(), err.Error(), l.logger)
			continue
		}
		if fi, errGo := os.Stat(dst); errGo == nil {
			f.Size = fi.Size()
		}
		succeed(f, "file://"+remote, sum, l.logger)

		if l.logger != nil {
			l.logger.Debug("file copied", "did", f.DID(), "src", src, "dst", dst)
		}
	}
	return files, nil
}

// CopyIn copies files from the endpoint directory into the working directory
func (l *Local) CopyIn(ctx context.Context, files []*job.FileSpec, workDir string) (results []*job.FileSpec, err kv.Error) {
	return l.transfer(ctx, In, files, workDir)
}

// CopyOut copies files from the working directory into the endpoint directory
func (l *Local) CopyOut(ctx context.Context, files []*job.FileSpec, workDir string) (results []*job.FileSpec, err kv.Error) {
	return l.transfer(ctx, Out, files, workDir)
}
