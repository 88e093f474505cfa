// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package job

// This file contains the definition of a pilot job along with the lifecycle
// state that is moved forward by the staging workers

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/valyala/fastjson"
)

// State is the lifecycle state of a job within a single pass through one of
// the pipeline stages
type State string

const (
	StateNone         State = ""
	StateQueued       State = "queued"
	StateTransferring State = "transferring"
	StateFinished     State = "finished"
	StateFailed       State = "failed"
)

func (s State) rank() int {
	switch s {
	case StateQueued:
		return 1
	case StateTransferring:
		return 2
	case StateFinished, StateFailed:
		return 3
	}
	return 0
}

// IsTerminal is true for the finished and failed states
func (s State) IsTerminal() bool {
	return s.rank() == 3
}

// Job holds the description of a single payload job and the files it consumes and produces.
//
// A job is owned by exactly one pipeline stage at a time, the state is guarded by a mutex
// only so that observers such as loggers and reporters can read it safely.
//
type Job struct {
	ID                string
	WorkDir           string
	InFiles           []string
	InGUIDs           []string
	OutFiles          []string
	ScopeIn           string
	ScopeOut          string
	ScopeLog          string
	DestinationDblock string
	EndpointsIn       []string
	EndpointsOut      []string
	LogFile           string
	LogGUID           string
	Payload           string

	// Report is the output file report recorded by the payload, it is loaded
	// lazily from the working directory when absent
	Report *Report

	// LogOnly is set when the payload failed, stage-out then uploads only the log
	// and the job is reported failed
	LogOnly bool

	state State
	sync.Mutex
}

// State returns the current lifecycle state
func (j *Job) State() State {
	j.Lock()
	defer j.Unlock()
	return j.state
}

// Begin starts a new pass through a pipeline stage placing the job into the queued state.
// A job that is in the middle of a transfer cannot begin another pass.
//
func (j *Job) Begin() (err kv.Error) {
	j.Lock()
	defer j.Unlock()

	if j.state == StateTransferring || j.state == StateQueued {
		return kv.NewError("job already in a pipeline pass").With("job", j.ID, "state", j.state, "stack", stack.Trace().TrimRuntime())
	}
	j.state = StateQueued
	return nil
}

// SetState moves the job forward, transitions that would revert the state
// within the current pass are rejected
//
func (j *Job) SetState(next State) (err kv.Error) {
	j.Lock()
	defer j.Unlock()

	if next.rank() == 0 {
		return kv.NewError("unknown job state").With("job", j.ID, "state", next, "stack", stack.Trace().TrimRuntime())
	}
	if next.rank() <= j.state.rank() {
		return kv.NewError("job state cannot revert").With("job", j.ID, "from", j.state, "to", next, "stack", stack.Trace().TrimRuntime())
	}
	j.state = next
	return nil
}

// EndpointIn returns the storage endpoint used for downloads
func (j *Job) EndpointIn() string {
	if len(j.EndpointsIn) == 0 {
		return ""
	}
	return j.EndpointsIn[0]
}

// EndpointOut returns the first of the output endpoints, this being the one uploads are sent to
func (j *Job) EndpointOut() string {
	if len(j.EndpointsOut) == 0 {
		return ""
	}
	return j.EndpointsOut[0]
}

// InputSpecs generates a fresh set of transfer specifications for the input files of the job
func (j *Job) InputSpecs() (files []*FileSpec) {
	files = make([]*FileSpec, 0, len(j.InFiles))
	for i, lfn := range j.InFiles {
		spec := &FileSpec{
			Scope:    j.ScopeIn,
			LFN:      lfn,
			Endpoint: j.EndpointIn(),
			WorkDir:  j.WorkDir,
		}
		if i < len(j.InGUIDs) {
			spec.GUID = j.InGUIDs[i]
		}
		files = append(files, spec)
	}
	return files
}

// OutputSpecs uses the output file report of the job to generate transfer specifications
// for the uploads.  If the report has not been recorded it will be loaded from the
// working directory.
//
func (j *Job) OutputSpecs() (files []*FileSpec, err kv.Error) {
	if j.Report == nil {
		if j.Report, err = LoadReport(filepath.Join(j.WorkDir, ReportFile)); err != nil {
			return nil, err.With("job", j.ID)
		}
	}
	files = make([]*FileSpec, 0, len(j.Report.Outputs))
	for _, out := range j.Report.Outputs {
		files = append(files, &FileSpec{
			Scope:    j.ScopeOut,
			LFN:      out.Name,
			GUID:     out.GUID,
			Size:     out.Size,
			Endpoint: j.EndpointOut(),
			WorkDir:  j.WorkDir,
		})
	}
	return files, nil
}

func splitList(value string) (items []string) {
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); len(item) != 0 {
			items = append(items, item)
		}
	}
	return items
}

// stringOf handles job description fields that servers send as either strings or numbers
func stringOf(v *fastjson.Value, key string) string {
	field := v.Get(key)
	if field == nil {
		return ""
	}
	switch field.Type() {
	case fastjson.TypeString:
		return string(field.GetStringBytes())
	case fastjson.TypeNull:
		return ""
	}
	return string(field.MarshalTo(nil))
}

// Parse decodes a job description document as sent by the job dispatcher
func Parse(data []byte) (j *Job, err kv.Error) {
	v, errGo := fastjson.ParseBytes(data)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	j = &Job{
		ID:                stringOf(v, "PandaID"),
		WorkDir:           stringOf(v, "working_dir"),
		InFiles:           splitList(stringOf(v, "inFiles")),
		InGUIDs:           splitList(stringOf(v, "GUID")),
		OutFiles:          splitList(stringOf(v, "outFiles")),
		ScopeIn:           stringOf(v, "scopeIn"),
		ScopeOut:          stringOf(v, "scopeOut"),
		ScopeLog:          stringOf(v, "scopeLog"),
		DestinationDblock: stringOf(v, "destinationDblock"),
		EndpointsIn:       splitList(stringOf(v, "ddmEndPointIn")),
		EndpointsOut:      splitList(stringOf(v, "ddmEndPointOut")),
		LogFile:           stringOf(v, "logFile"),
		LogGUID:           stringOf(v, "logGUID"),
	}
	j.Payload = strings.TrimSpace(strings.Join([]string{stringOf(v, "transformation"), stringOf(v, "jobPars")}, " "))

	if len(j.ID) == 0 {
		return nil, kv.NewError("job description lacks a PandaID").With("stack", stack.Trace().TrimRuntime())
	}
	if len(j.LogFile) == 0 {
		j.LogFile = fmt.Sprintf("%s.log.tgz", j.ID)
	}
	return j, nil
}

// Load reads a job description from a file, when the description does not
// name a working directory the supplied default is used
//
func Load(fn string, workDir string) (j *Job, err kv.Error) {
	data, errGo := os.ReadFile(fn)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}
	if j, err = Parse(data); err != nil {
		return nil, err.With("file", fn)
	}
	if len(j.WorkDir) == 0 {
		j.WorkDir = workDir
	}
	return j, nil
}
