// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package staging

// This file contains the creation of the log tarball that is uploaded alongside the
// job outputs.  The tarball holds whatever the payload left in the working directory
// other than the data files themselves.

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/leaf-ai/go-pilot/internal/job"

	"github.com/google/uuid"
	"github.com/mholt/archiver/v3"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// ForceExclude names working directory entries that never go into the log tarball
var ForceExclude = []string{"geomDB", "sqlite200"}

// TarballName is the top level directory all log tarball entries are placed under
func TarballName(j *job.Job, site string) string {
	return fmt.Sprintf("tarball_PandaJob_%s_%s", j.ID, site)
}

func excluded(j *job.Job) (names map[string]struct{}) {
	names = map[string]struct{}{j.LogFile: {}}
	for _, list := range [][]string{j.InFiles, j.OutFiles, ForceExclude} {
		for _, name := range list {
			names[name] = struct{}{}
		}
	}
	if j.Report != nil {
		for _, out := range j.Report.Outputs {
			names[out.Name] = struct{}{}
		}
	}
	return names
}

// addEntry writes a single file or directory into the archive, directories are
// walked and symbolic links are followed
//
func addEntry(tgz *archiver.TarGz, fn string, name string) (err kv.Error) {
	fi, errGo := os.Stat(fn)
	if errGo != nil {
		return kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}

	if fi.IsDir() {
		if errGo = tgz.Write(archiver.File{
			FileInfo: archiver.FileInfo{FileInfo: fi, CustomName: name},
		}); errGo != nil {
			return kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
		}
		entries, errGo := os.ReadDir(fn)
		if errGo != nil {
			return kv.Wrap(errGo).With("dir", fn, "stack", stack.Trace().TrimRuntime())
		}
		for _, entry := range entries {
			if err = addEntry(tgz, filepath.Join(fn, entry.Name()), name+"/"+entry.Name()); err != nil {
				return err
			}
		}
		return nil
	}

	if !fi.Mode().IsRegular() {
		return nil
	}

	f, errGo := os.Open(fn)
	if errGo != nil {
		return kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}
	defer f.Close()

	if errGo = tgz.Write(archiver.File{
		FileInfo:   archiver.FileInfo{FileInfo: fi, CustomName: name},
		ReadCloser: f,
	}); errGo != nil {
		return kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// PrepareLog writes the log tarball for the job into its working directory and returns
// the transfer specification for uploading it
//
func PrepareLog(j *job.Job, site string) (spec *job.FileSpec, err kv.Error) {
	// The directory listing is taken before the tarball is created
	entries, errGo := os.ReadDir(j.WorkDir)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("job", j.ID, "dir", j.WorkDir, "stack", stack.Trace().TrimRuntime())
	}

	skip := excluded(j)
	root := TarballName(j, site)
	fn := filepath.Join(j.WorkDir, j.LogFile)

	out, errGo := os.Create(fn)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("job", j.ID, "file", fn, "stack", stack.Trace().TrimRuntime())
	}

	tgz := archiver.NewTarGz()
	if errGo = tgz.Create(out); errGo != nil {
		out.Close()
		return nil, kv.Wrap(errGo).With("job", j.ID, "file", fn, "stack", stack.Trace().TrimRuntime())
	}

	for _, entry := range entries {
		if _, isPresent := skip[entry.Name()]; isPresent {
			continue
		}
		if err = addEntry(tgz, filepath.Join(j.WorkDir, entry.Name()), root+"/"+entry.Name()); err != nil {
			break
		}
	}

	if errGo = tgz.Close(); errGo != nil && err == nil {
		err = kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}
	if errGo = out.Close(); errGo != nil && err == nil {
		err = kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}
	if err != nil {
		return nil, err.With("job", j.ID)
	}

	fi, errGo := os.Stat(fn)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("job", j.ID, "file", fn, "stack", stack.Trace().TrimRuntime())
	}

	guid := j.LogGUID
	if len(guid) == 0 {
		guid = uuid.New().String()
	}

	return &job.FileSpec{
		Scope:    j.ScopeLog,
		LFN:      j.LogFile,
		GUID:     guid,
		Size:     fi.Size(),
		Endpoint: j.EndpointOut(),
		WorkDir:  j.WorkDir,
	}, nil
}
