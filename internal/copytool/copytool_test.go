// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package copytool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/leaf-ai/go-pilot/internal/job"
	"github.com/leaf-ai/go-pilot/internal/process"

	"github.com/andreidenissov-cog/go-service/pkg/log"

	"github.com/go-stack/stack"
	"github.com/go-test/deep"
	"github.com/jjeffery/kv"
)

var (
	logger = log.NewLogger("copytool-test")
)

func writeFile(t *testing.T, fn string, data string) {
	if errGo := os.MkdirAll(filepath.Dir(fn), 0700); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if errGo := os.WriteFile(fn, []byte(data), 0600); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
}

func TestAdler32(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "data")
	writeFile(t, fn, "Wikipedia")

	sum, err := Adler32(fn)
	if err != nil {
		t.Fatal(err)
	}
	if sum != "11e60398" {
		t.Fatal(kv.NewError("unexpected checksum").With("sum", sum, "stack", stack.Trace().TrimRuntime()))
	}
}

func TestTransferTimeout(t *testing.T) {
	cases := map[int64]time.Duration{
		0:              300 * time.Second,
		500000000:      1300 * time.Second,
		50000000000000: 3 * time.Hour,
	}
	for size, expected := range cases {
		if timeout := TransferTimeout(size); timeout != expected {
			t.Fatal(kv.NewError("unexpected timeout").With("size", size, "expected", expected.String(), "actual", timeout.String(), "stack", stack.Trace().TrimRuntime()))
		}
	}
}

func TestResolveTemplate(t *testing.T) {
	cfg := &Config{
		Endpoints: map[string]Endpoint{
			"PLAIN":  {URL: "root://host//data/"},
			"NESTED": {URL: "davs://host/rucio", Path: `{{.Scope | replace "." "/"}}/{{.LFN}}`},
		},
	}

	f := &job.FileSpec{Scope: "mc16.sim", LFN: "HITS.pool.root", Endpoint: "PLAIN"}
	ep, path, err := resolve(cfg, f)
	if err != nil {
		t.Fatal(err)
	}
	if url := remoteURL(ep, path); url != "root://host//data/mc16.sim/HITS.pool.root" {
		t.Fatal(kv.NewError("unexpected url").With("url", url, "stack", stack.Trace().TrimRuntime()))
	}

	f.Endpoint = "NESTED"
	if ep, path, err = resolve(cfg, f); err != nil {
		t.Fatal(err)
	}
	if url := remoteURL(ep, path); url != "davs://host/rucio/mc16/sim/HITS.pool.root" {
		t.Fatal(kv.NewError("unexpected url").With("url", url, "stack", stack.Trace().TrimRuntime()))
	}

	f.Endpoint = "MISSING"
	if _, _, err = resolve(cfg, f); err == nil {
		t.Fatal(kv.NewError("unknown endpoint resolved").With("stack", stack.Trace().TrimRuntime()))
	}
}

func TestLocalRoundTrip(t *testing.T) {
	storage := t.TempDir()
	workIn := t.TempDir()
	workOut := t.TempDir()

	cfg := &Config{
		Endpoints: map[string]Endpoint{"LOCAL": {URL: "file://" + storage}},
	}
	tool, err := New("local", cfg, nil, logger)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(workOut, "a.root"), "Wikipedia")
	outFiles := []*job.FileSpec{
		{Scope: "user", LFN: "a.root", Endpoint: "LOCAL"},
		{Scope: "user", LFN: "missing.root", Endpoint: "LOCAL"},
		{Scope: "user", LFN: "a.root", Endpoint: "NOWHERE"},
	}
	results, err := tool.CopyOut(context.Background(), outFiles, workOut)
	if err != nil {
		t.Fatal(err)
	}
	statuses := []job.FileStatus{}
	codes := []int{}
	for _, f := range results {
		statuses = append(statuses, f.Status)
		codes = append(codes, f.ErrorCode)
	}
	if diff := deep.Equal(statuses, []job.FileStatus{job.FileTransferred, job.FileFailed, job.FileFailed}); diff != nil {
		t.Fatal(diff)
	}
	if diff := deep.Equal(codes, []int{0, ErrStageOutFailed, ErrStageOutFailed}); diff != nil {
		t.Fatal(diff)
	}
	if results[0].Checksum != "11e60398" || results[0].SURL != "file://"+filepath.Join(storage, "user", "a.root") {
		t.Fatal(kv.NewError("unexpected upload details").With("file", results[0], "stack", stack.Trace().TrimRuntime()))
	}

	inFiles := []*job.FileSpec{{Scope: "user", LFN: "a.root", Endpoint: "LOCAL", Checksum: "11e60398"}}
	if _, err = tool.CopyIn(context.Background(), inFiles, workIn); err != nil {
		t.Fatal(err)
	}
	if inFiles[0].Status != job.FileTransferred || inFiles[0].Size != int64(len("Wikipedia")) {
		t.Fatal(kv.NewError("download failed").With("file", inFiles[0], "stack", stack.Trace().TrimRuntime()))
	}

	// A wrong expected checksum must fail the download
	bad := []*job.FileSpec{{Scope: "user", LFN: "a.root", Endpoint: "LOCAL", Checksum: "00000000"}}
	if _, err = tool.CopyIn(context.Background(), bad, t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if bad[0].Status != job.FileFailed || !strings.Contains(bad[0].ErrorMsg, "checksum") {
		t.Fatal(kv.NewError("checksum mismatch accepted").With("file", bad[0], "stack", stack.Trace().TrimRuntime()))
	}
}

func TestLocalCancelled(t *testing.T) {
	storage := t.TempDir()
	workOut := t.TempDir()

	cfg := &Config{
		Endpoints: map[string]Endpoint{"LOCAL": {URL: "file://" + storage}},
	}
	tool, err := New("local", cfg, nil, logger)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(workOut, "a.root"), "Wikipedia")
	writeFile(t, filepath.Join(workOut, "b.root"), "Wikipedia")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	files := []*job.FileSpec{
		{Scope: "user", LFN: "a.root", Endpoint: "LOCAL"},
		{Scope: "user", LFN: "b.root", Endpoint: "LOCAL"},
	}
	results, err := tool.CopyOut(ctx, files, workOut)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range results {
		if f.Status != job.FileFailed || f.ErrorCode != ErrStageOutFailed {
			t.Fatal(kv.NewError("cancelled copy not failed").With("file", f, "stack", stack.Trace().TrimRuntime()))
		}
		if _, errGo := os.Stat(filepath.Join(storage, "user", f.LFN)); errGo == nil {
			t.Fatal(kv.NewError("cancelled copy left a file").With("lfn", f.LFN, "stack", stack.Trace().TrimRuntime()))
		}
	}
}

// fakeGfal writes a script that stands in for gfal-copy.  The script copies the source
// to the destination when both are file:// URLs, otherwise it exits with the given code.
//
func fakeGfal(t *testing.T, exitCode int) (executable string) {
	executable = filepath.Join(t.TempDir(), "gfal-copy")
	script := fmt.Sprintf(`#!/bin/sh
for last in "$@"; do :; done
dst="$last"
src=""
for arg in "$@"; do
	if [ "$arg" = "$dst" ]; then break; fi
	src="$arg"
done
echo "$@" >> "%s.args"
case "$src" in
	file://*) ;;
	*) echo "gfal-copy error: remote failure" 1>&2; exit %d ;;
esac
case "$dst" in
	file://*) cp "${src#file://}" "${dst#file://}" ;;
	*) echo "gfal-copy error: remote failure" 1>&2; exit %d ;;
esac
`, executable, exitCode, exitCode)
	if errGo := os.WriteFile(executable, []byte(script), 0700); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	return executable
}

func TestGfalMissingTool(t *testing.T) {
	cfg := &Config{Executable: filepath.Join(t.TempDir(), "gfal-copy")}
	if _, err := New("gfal", cfg, nil, logger); err == nil {
		t.Fatal(kv.NewError("missing gfal tool accepted").With("stack", stack.Trace().TrimRuntime()))
	}
}

func TestGfalFailures(t *testing.T) {
	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, "out.root"), "Wikipedia")

	cases := []struct {
		exitCode int
		code     int
		attempts int
	}{
		{exitCode: 1, code: ErrStageOutFailed, attempts: 1},
		{exitCode: int(syscall.ETIMEDOUT), code: ErrStageOutTimeout, attempts: 2},
	}

	process.RetryDelay = time.Millisecond

	for _, tc := range cases {
		executable := fakeGfal(t, tc.exitCode)
		cfg := &Config{
			Executable: executable,
			Retries:    2,
			Endpoints:  map[string]Endpoint{"GRID": {URL: "root://host//data"}},
		}
		tool, err := New("gfal", cfg, process.NewSupervisor(logger), logger)
		if err != nil {
			t.Fatal(err)
		}

		files := []*job.FileSpec{{Scope: "s", LFN: "out.root", Endpoint: "GRID", Checksum: "11e60398"}}
		if _, err = tool.CopyOut(context.Background(), files, workDir); err != nil {
			t.Fatal(err)
		}
		if files[0].Status != job.FileFailed || files[0].ErrorCode != tc.code {
			t.Fatal(kv.NewError("unexpected outcome").With("file", files[0], "expected", tc.code, "stack", stack.Trace().TrimRuntime()))
		}
		if !strings.Contains(files[0].ErrorMsg, "remote failure") {
			t.Fatal(kv.NewError("tool output missing from error").With("msg", files[0].ErrorMsg, "stack", stack.Trace().TrimRuntime()))
		}

		args, errGo := os.ReadFile(executable + ".args")
		if errGo != nil {
			t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
		}
		lines := strings.Split(strings.TrimSpace(string(args)), "\n")
		if len(lines) != tc.attempts {
			t.Fatal(kv.NewError("unexpected attempts").With("expected", tc.attempts, "actual", len(lines), "stack", stack.Trace().TrimRuntime()))
		}
		if !strings.Contains(lines[0], "--verbose -f -t 300 -K adler32:11e60398 file://") ||
			!strings.HasSuffix(lines[0], " root://host//data/s/out.root") {
			t.Fatal(kv.NewError("unexpected command line").With("args", lines[0], "stack", stack.Trace().TrimRuntime()))
		}
	}
}

func TestGfalDownload(t *testing.T) {
	storage := t.TempDir()
	writeFile(t, filepath.Join(storage, "s", "in.root"), "Wikipedia")

	cfg := &Config{
		Executable: fakeGfal(t, 1),
		Endpoints:  map[string]Endpoint{"GRID": {URL: "file://" + storage}},
	}
	tool, err := New("gfal", cfg, nil, logger)
	if err != nil {
		t.Fatal(err)
	}

	workDir := t.TempDir()
	files := []*job.FileSpec{{Scope: "s", LFN: "in.root", Endpoint: "GRID"}}
	if _, err = tool.CopyIn(context.Background(), files, workDir); err != nil {
		t.Fatal(err)
	}
	if files[0].Status != job.FileTransferred || files[0].Checksum != "11e60398" {
		t.Fatal(kv.NewError("download failed").With("file", files[0], "stack", stack.Trace().TrimRuntime()))
	}
	if _, errGo := os.Stat(filepath.Join(workDir, "in.root")); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
}

type fakeObjectClient struct {
	objects map[string]string
	delay   time.Duration
}

func (c *fakeObjectClient) get(ctx context.Context, bucket string, key string, fn string) (err kv.Error) {
	data, isPresent := c.objects[bucket+"/"+key]
	if !isPresent {
		return kv.NewError("no such key").With("key", key, "stack", stack.Trace().TrimRuntime())
	}
	if errGo := os.WriteFile(fn, []byte(data), 0600); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

func (c *fakeObjectClient) put(ctx context.Context, bucket string, key string, fn string) (err kv.Error) {
	select {
	case <-ctx.Done():
		return kv.Wrap(ctx.Err()).With("stack", stack.Trace().TrimRuntime())
	case <-time.After(c.delay):
	}
	data, errGo := os.ReadFile(fn)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	c.objects[bucket+"/"+key] = string(data)
	return nil
}

func TestObjectStoreTransfer(t *testing.T) {
	client := &fakeObjectClient{objects: map[string]string{}}
	dials := 0

	cfg := &Config{
		Endpoints: map[string]Endpoint{
			"OBJ": {URL: "s3://minio:9000/bucket"},
			"BAD": {URL: "ftp://host/bucket"},
		},
	}
	store := newObjectStore(cfg, logger, func(host string, secure bool) (objectClient, kv.Error) {
		if host != "minio:9000" || secure {
			return nil, kv.NewError("unexpected dial").With("host", host, "secure", secure)
		}
		dials++
		return client, nil
	})

	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, "a.root"), "Wikipedia")
	writeFile(t, filepath.Join(workDir, "b.root"), "other")

	files := []*job.FileSpec{
		{Scope: "s", LFN: "a.root", Endpoint: "OBJ"},
		{Scope: "s", LFN: "b.root", Endpoint: "BAD"},
		{Scope: "s", LFN: "b.root", Endpoint: "OBJ"},
	}
	if _, err := store.transfer(context.Background(), Out, files, workDir); err != nil {
		t.Fatal(err)
	}
	if files[0].Status != job.FileTransferred || files[1].Status != job.FileFailed || files[2].Status != job.FileTransferred {
		t.Fatal(kv.NewError("unexpected outcomes").With("files", files, "stack", stack.Trace().TrimRuntime()))
	}
	if dials != 1 {
		t.Fatal(kv.NewError("client not reused").With("dials", dials, "stack", stack.Trace().TrimRuntime()))
	}
	if files[0].SURL != "s3://minio:9000/bucket/s/a.root" || client.objects["bucket/s/a.root"] != "Wikipedia" {
		t.Fatal(kv.NewError("object not stored").With("surl", files[0].SURL, "stack", stack.Trace().TrimRuntime()))
	}

	downloads := []*job.FileSpec{
		{Scope: "s", LFN: "a.root", Endpoint: "OBJ"},
		{Scope: "s", LFN: "absent.root", Endpoint: "OBJ"},
	}
	inDir := t.TempDir()
	if _, err := store.transfer(context.Background(), In, downloads, inDir); err != nil {
		t.Fatal(err)
	}
	if downloads[0].Status != job.FileTransferred || downloads[0].Checksum != "11e60398" {
		t.Fatal(kv.NewError("download failed").With("file", downloads[0], "stack", stack.Trace().TrimRuntime()))
	}
	if downloads[1].Status != job.FileFailed || downloads[1].ErrorCode != ErrStageInFailed {
		t.Fatal(kv.NewError("missing object downloaded").With("file", downloads[1], "stack", stack.Trace().TrimRuntime()))
	}
	entries, errGo := os.ReadDir(inDir)
	if errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if len(entries) != 1 {
		t.Fatal(kv.NewError("temporary download files left behind").With("entries", len(entries), "stack", stack.Trace().TrimRuntime()))
	}
}

func TestParseBucketURL(t *testing.T) {
	host, bucket, secure, err := parseBucketURL("s3s://s3.amazonaws.com/data/")
	if err != nil {
		t.Fatal(err)
	}
	if host != "s3.amazonaws.com" || bucket != "data" || !secure {
		t.Fatal(kv.NewError("unexpected bucket url parts").With("host", host, "bucket", bucket, "secure", secure, "stack", stack.Trace().TrimRuntime()))
	}
	if _, _, _, err = parseBucketURL("s3://host"); err == nil {
		t.Fatal(kv.NewError("bucket less url accepted").With("stack", stack.Trace().TrimRuntime()))
	}
}
