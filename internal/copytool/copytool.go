// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package copytool

// This file contains the copy tool abstraction used by the staging pipeline to
// move files between the job working directory and storage endpoints.  A copy tool
// marks every file it is handed with an outcome, even when some of the transfers
// fail, only an unusable tool is reported through the error return.

import (
	"bytes"
	"context"
	"fmt"
	"hash/adler32"
	"io"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/leaf-ai/go-pilot/internal/job"
	"github.com/leaf-ai/go-pilot/internal/process"

	"github.com/Masterminds/sprig/v3"
	"github.com/andreidenissov-cog/go-service/pkg/log"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Error codes recorded against files that failed to transfer
const (
	ErrStageInFailed   = 1099
	ErrStageOutFailed  = 1137
	ErrStageInTimeout  = 1151
	ErrStageOutTimeout = 1152
)

// Direction of a transfer
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

func (d Direction) failedCode() int {
	if d == In {
		return ErrStageInFailed
	}
	return ErrStageOutFailed
}

func (d Direction) timeoutCode() int {
	if d == In {
		return ErrStageInTimeout
	}
	return ErrStageOutTimeout
}

// Copytool moves files between a working directory and storage
type Copytool interface {
	// CopyIn downloads the files into the working directory
	CopyIn(ctx context.Context, files []*job.FileSpec, workDir string) (results []*job.FileSpec, err kv.Error)
	// CopyOut uploads the files from the working directory
	CopyOut(ctx context.Context, files []*job.FileSpec, workDir string) (results []*job.FileSpec, err kv.Error)
}

// DefaultPathTemplate places files under their scope on an endpoint
const DefaultPathTemplate = "{{.Scope}}/{{.LFN}}"

// Endpoint is a storage location files are moved to and from.  The URL scheme must suit
// the copy tool, for example s3://host:port/bucket for object stores, file:///dir for the
// local tool, and any gfal supported URL for the gfal tool.  Path is a text/template,
// with the sprig functions available, rendering the location of a file under the URL.
//
type Endpoint struct {
	URL  string `toml:"url"`
	Path string `toml:"path"`
}

// Config holds the settings for all of the copy tool implementations
type Config struct {
	Endpoints map[string]Endpoint `toml:"endpoints"`

	// Retries is the number of attempts made for transfers that time out
	Retries int `toml:"retries"`

	// Executable overrides the gfal-copy binary
	Executable string `toml:"executable"`

	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Region    string `toml:"region"`
	UseSSL    bool   `toml:"use_ssl"`

	MaxOutput int64 `toml:"-"`
}

// New returns the named copy tool, one of gfal, s3, minio, or local
func New(name string, cfg *Config, supervisor *process.Supervisor, logger *log.Logger) (tool Copytool, err kv.Error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}

	switch strings.ToLower(name) {
	case "gfal", "gfal-copy":
		return NewGfal(cfg, supervisor, logger)
	case "s3":
		return NewS3(cfg, logger), nil
	case "minio":
		return NewMinio(cfg, logger), nil
	case "local", "":
		return NewLocal(cfg, logger), nil
	}
	return nil, kv.NewError("unknown copy tool").With("name", name, "stack", stack.Trace().TrimRuntime())
}

// TransferTimeout is the deadline for moving a file of the given size, assuming
// at least half a megabyte a second with a five minute floor and a three hour ceiling
//
func TransferTimeout(size int64) time.Duration {
	timeout := 300*time.Second + time.Duration(float64(size)/0.5e6)*time.Second
	if max := 3 * time.Hour; timeout > max {
		return max
	}
	return timeout
}

// Adler32 returns the adler32 checksum of a file as eight hex digits
func Adler32(fn string) (sum string, err kv.Error) {
	f, errGo := os.Open(fn)
	if errGo != nil {
		return "", kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}
	defer f.Close()

	hash := adler32.New()
	if _, errGo = io.Copy(hash, f); errGo != nil {
		return "", kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}
	return fmt.Sprintf("%08x", hash.Sum32()), nil
}

// resolve locates the endpoint a file is being moved to or from and renders the
// location of the file under that endpoint
//
func resolve(cfg *Config, f *job.FileSpec) (ep Endpoint, path string, err kv.Error) {
	ep, isPresent := cfg.Endpoints[f.Endpoint]
	if !isPresent {
		return ep, "", kv.NewError("storage endpoint not configured").With("endpoint", f.Endpoint, "did", f.DID(), "stack", stack.Trace().TrimRuntime())
	}
	pathTmpl := ep.Path
	if len(pathTmpl) == 0 {
		pathTmpl = DefaultPathTemplate
	}

	tmpl, errGo := template.New("path").Funcs(sprig.TxtFuncMap()).Parse(pathTmpl)
	if errGo != nil {
		return ep, "", kv.Wrap(errGo).With("endpoint", f.Endpoint, "template", pathTmpl, "stack", stack.Trace().TrimRuntime())
	}
	buf := &bytes.Buffer{}
	if errGo = tmpl.Execute(buf, f); errGo != nil {
		return ep, "", kv.Wrap(errGo).With("endpoint", f.Endpoint, "template", pathTmpl, "stack", stack.Trace().TrimRuntime())
	}
	return ep, strings.TrimLeft(buf.String(), "/"), nil
}

// remoteURL joins an endpoint URL and a rendered file location
func remoteURL(ep Endpoint, path string) string {
	return strings.TrimRight(ep.URL, "/") + "/" + path
}

// fail records a transfer failure against a file, a file that was already marked
// during this attempt keeps its first outcome
//
func fail(f *job.FileSpec, code int, msg string, logger *log.Logger) {
	if err := f.Fail(code, msg); err != nil && logger != nil {
		logger.Warn("file outcome already recorded", "error", err.Error())
	}
}

func succeed(f *job.FileSpec, surl string, checksum string, logger *log.Logger) {
	if err := f.Succeed(surl, checksum); err != nil && logger != nil {
		logger.Warn("file outcome already recorded", "error", err.Error())
	}
}

// verify checks a local file against a checksum supplied ahead of the transfer, then
// returns the checksum of the local file
//
func verify(f *job.FileSpec, fn string) (sum string, err kv.Error) {
	if sum, err = Adler32(fn); err != nil {
		return "", err
	}
	if len(f.Checksum) != 0 && !strings.EqualFold(f.Checksum, sum) {
		return "", kv.NewError("checksum mismatch").With("did", f.DID(), "expected", f.Checksum, "actual", sum, "stack", stack.Trace().TrimRuntime())
	}
	return sum, nil
}
