// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package copytool

// This file contains the copy tool that drives the gfal-copy command line tool for
// grid storage endpoints

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/leaf-ai/go-pilot/internal/job"
	"github.com/leaf-ai/go-pilot/internal/process"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	"github.com/karlmutch/vtclean"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// GfalExecutable is the default name of the transfer tool
const GfalExecutable = "gfal-copy"

// Gfal moves files using gfal-copy, one command per file
type Gfal struct {
	cfg        *Config
	executable string
	supervisor *process.Supervisor
	logger     *log.Logger
}

// NewGfal checks that the transfer tool is present and returns a copy tool using it
func NewGfal(cfg *Config, supervisor *process.Supervisor, logger *log.Logger) (tool *Gfal, err kv.Error) {
	executable := cfg.Executable
	if len(executable) == 0 {
		executable = GfalExecutable
	}
	path, errGo := exec.LookPath(executable)
	if errGo != nil {
		return nil, kv.Wrap(errGo, "no gfal tools found").With("executable", executable, "stack", stack.Trace().TrimRuntime())
	}
	if supervisor == nil {
		supervisor = process.NewSupervisor(logger)
	}
	return &Gfal{
		cfg:        cfg,
		executable: path,
		supervisor: supervisor,
		logger:     logger,
	}, nil
}

func (g *Gfal) command(f *job.FileSpec, src string, dst string) (cmd process.Command) {
	timeout := TransferTimeout(f.Size)

	args := []string{"--verbose", "-f", "-t", fmt.Sprint(int64(timeout.Seconds()))}
	if len(f.Checksum) != 0 {
		args = append(args, "-K", "adler32:"+f.Checksum)
	}
	args = append(args, src, dst)

	return process.Command{
		Path: g.executable,
		Args: args,
		Dir:  f.WorkDir,
		// The tool enforces its own deadline, this one catches a hung tool
		Timeout:   timeout + process.DefaultGracePeriod*10,
		MaxOutput: g.cfg.MaxOutput,
	}
}

// logOutput writes the cleaned output of a failed tool invocation to the log
func (g *Gfal) logOutput(f *job.FileSpec, output []byte) {
	if g.logger == nil {
		return
	}
	s := bufio.NewScanner(bytes.NewReader(output))
	for s.Scan() {
		if line := strings.TrimSpace(vtclean.Clean(s.Text(), false)); len(line) != 0 {
			g.logger.Debug("gfal-copy", "did", f.DID(), "output", line)
		}
	}
}

// errorText picks a short description of a failure from the tool output
func errorText(result *process.Result) string {
	for _, output := range [][]byte{result.Stderr, result.Stdout} {
		lines := strings.Split(strings.TrimSpace(vtclean.Clean(string(output), false)), "\n")
		if last := strings.TrimSpace(lines[len(lines)-1]); len(last) != 0 {
			return last
		}
	}
	return fmt.Sprintf("exit code %d", result.ExitCode)
}

func (g *Gfal) transfer(ctx context.Context, d Direction, files []*job.FileSpec, workDir string) (results []*job.FileSpec, err kv.Error) {
	for _, f := range files {
		f.Reset()

		if ctx.Err() != nil {
			fail(f, d.failedCode(), "transfer cancelled", g.logger)
			continue
		}

		ep, path, err := resolve(g.cfg, f)
		if err != nil {
			fail(f, d.failedCode(), err.Error(), g.logger)
			continue
		}
		remote := remoteURL(ep, path)

		local, errGo := filepath.Abs(f.LocalPath(workDir))
		if errGo != nil {
			fail(f, d.failedCode(), errGo.Error(), g.logger)
			continue
		}

		src, dst := remote, "file://"+local
		if d == Out {
			src, dst = "file://"+local, remote
		} else if errGo = os.MkdirAll(filepath.Dir(local), 0700); errGo != nil {
			fail(f, d.failedCode(), errGo.Error(), g.logger)
			continue
		}

		result, err := g.supervisor.RunWithRetry(ctx, g.command(f, src, dst), g.cfg.Retries)
		if err != nil {
			fail(f, d.failedCode(), err.Error(), g.logger)
			continue
		}

		switch result.Class() {
		case process.ClassSuccess:
		case process.ClassTimeout:
			g.logOutput(f, result.Stderr)
			fail(f, d.timeoutCode(), "copy command timed out: "+errorText(result), g.logger)
			continue
		case process.ClassCancelled:
			fail(f, d.failedCode(), "copy command cancelled", g.logger)
			continue
		default:
			g.logOutput(f, result.Stderr)
			fail(f, d.failedCode(), errorText(result), g.logger)
			continue
		}

		sum, err := Adler32(local)
		if err != nil {
			fail(f, d.failedCode(), err.Error(), g.logger)
			continue
		}
		if fi, errGo := os.Stat(local); errGo == nil {
			f.Size = fi.Size()
		}
		succeed(f, remote, sum, g.logger)

		if g.logger != nil {
			g.logger.Debug("file transferred", "did", f.DID(), "src", src, "dst", dst, "duration", result.Duration().String())
		}
	}
	return files, nil
}

// CopyIn downloads files from grid storage
func (g *Gfal) CopyIn(ctx context.Context, files []*job.FileSpec, workDir string) (results []*job.FileSpec, err kv.Error) {
	return g.transfer(ctx, In, files, workDir)
}

// CopyOut uploads files to grid storage
func (g *Gfal) CopyOut(ctx context.Context, files []*job.FileSpec, workDir string) (results []*job.FileSpec, err kv.Error) {
	return g.transfer(ctx, Out, files, workDir)
}
