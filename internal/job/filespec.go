// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package job

import (
	"fmt"
	"path/filepath"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// FileStatus is the outcome of a single transfer attempt for a file
type FileStatus string

const (
	FileUnknown     FileStatus = ""
	FileTransferred FileStatus = "transferred"
	FileFailed      FileStatus = "failed"
)

// FileSpec describes one file being moved between the working directory and
// a storage endpoint.  The transient fields are filled in by copy tools and
// are only meaningful for the current transfer attempt.
//
type FileSpec struct {
	Scope    string
	LFN      string
	GUID     string
	Size     int64
	Endpoint string
	WorkDir  string

	// Checksum may be supplied ahead of a transfer for verification, copy
	// tools replace it with the adler32 of the transferred file
	Checksum string

	Status    FileStatus
	ErrorCode int
	ErrorMsg  string
	SURL      string
}

// DID returns the scope qualified name of the file
func (f *FileSpec) DID() string {
	return fmt.Sprintf("%s:%s", f.Scope, f.LFN)
}

// LocalPath is the location of the file inside the working directory
func (f *FileSpec) LocalPath(workDir string) string {
	if len(f.WorkDir) != 0 {
		workDir = f.WorkDir
	}
	return filepath.Join(workDir, f.LFN)
}

// Reset clears the outcome of a previous attempt
func (f *FileSpec) Reset() {
	f.Status = FileUnknown
	f.ErrorCode = 0
	f.ErrorMsg = ""
	f.SURL = ""
}

func (f *FileSpec) settled() (err kv.Error) {
	if f.Status != FileUnknown {
		return kv.NewError("file status already set for this attempt").With("did", f.DID(), "status", f.Status, "stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Succeed records a successful transfer along with the physical location and checksum
func (f *FileSpec) Succeed(surl string, checksum string) (err kv.Error) {
	if err = f.settled(); err != nil {
		return err
	}
	f.Status = FileTransferred
	f.ErrorCode = 0
	f.ErrorMsg = ""
	f.SURL = surl
	if len(checksum) != 0 {
		f.Checksum = checksum
	}
	return nil
}

// Fail records a failed transfer
func (f *FileSpec) Fail(code int, msg string) (err kv.Error) {
	if err = f.settled(); err != nil {
		return err
	}
	f.Status = FileFailed
	f.ErrorCode = code
	f.ErrorMsg = msg
	return nil
}
