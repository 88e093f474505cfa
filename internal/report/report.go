// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package report

// This file contains the reporting of job state changes to the job state service
// along with the implementations used locally and in testing

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/leaf-ai/go-pilot/internal/job"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	"github.com/rs/xid"
	"github.com/valyala/fastjson"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Reporter sends job state changes to the job state service, the attachment
// is an optional document such as the file catalog of a completed stage-out
//
type Reporter interface {
	Report(ctx context.Context, j *job.Job, state job.State, attachment []byte) (err kv.Error)
}

// Event is a single state change as sent to the job state service
type Event struct {
	ID         string
	JobID      string
	State      job.State
	Time       time.Time
	Attachment []byte
}

// NewEvent captures a state change for the job
func NewEvent(j *job.Job, state job.State, attachment []byte) (ev *Event) {
	return &Event{
		ID:         xid.New().String(),
		JobID:      j.ID,
		State:      state,
		Time:       time.Now().UTC(),
		Attachment: attachment,
	}
}

// Marshal renders the event as a JSON document
func (ev *Event) Marshal() (data []byte) {
	arena := fastjson.Arena{}
	doc := arena.NewObject()
	doc.Set("id", arena.NewString(ev.ID))
	doc.Set("job_id", arena.NewString(ev.JobID))
	doc.Set("state", arena.NewString(string(ev.State)))
	doc.Set("timestamp", arena.NewString(ev.Time.Format(time.RFC3339Nano)))
	if len(ev.Attachment) != 0 {
		doc.Set("attachment", arena.NewStringBytes(ev.Attachment))
	}
	return doc.MarshalTo(nil)
}

// ParseEvent decodes an event document
func ParseEvent(data []byte) (ev *Event, err kv.Error) {
	v, errGo := fastjson.ParseBytes(data)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	ev = &Event{
		ID:    string(v.GetStringBytes("id")),
		JobID: string(v.GetStringBytes("job_id")),
		State: job.State(v.GetStringBytes("state")),
	}
	if attachment := v.GetStringBytes("attachment"); len(attachment) != 0 {
		ev.Attachment = append([]byte{}, attachment...)
	}
	if ev.Time, errGo = time.Parse(time.RFC3339Nano, string(v.GetStringBytes("timestamp"))); errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return ev, nil
}

// LogReporter writes state changes to the log
type LogReporter struct {
	logger *log.Logger
}

// NewLogReporter returns a reporter that only logs
func NewLogReporter(logger *log.Logger) (r *LogReporter) {
	return &LogReporter{logger: logger}
}

// Report logs the state change
func (r *LogReporter) Report(ctx context.Context, j *job.Job, state job.State, attachment []byte) (err kv.Error) {
	r.logger.Info("job state", "job", j.ID, "state", state, "attachment_size", len(attachment))
	return nil
}

// FileReporter appends each state change as a JSON line to a file
type FileReporter struct {
	fn string
	sync.Mutex
}

// NewFileReporter returns a reporter that appends to the named file
func NewFileReporter(fn string) (r *FileReporter) {
	return &FileReporter{fn: fn}
}

// Report appends the state change to the file
func (r *FileReporter) Report(ctx context.Context, j *job.Job, state job.State, attachment []byte) (err kv.Error) {
	r.Lock()
	defer r.Unlock()

	f, errGo := os.OpenFile(r.fn, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if errGo != nil {
		return kv.Wrap(errGo).With("file", r.fn, "stack", stack.Trace().TrimRuntime())
	}
	defer f.Close()

	data := append(NewEvent(j, state, attachment).Marshal(), '\n')
	if _, errGo = f.Write(data); errGo != nil {
		return kv.Wrap(errGo).With("file", r.fn, "stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Multi fans a state change out to several reporters, every reporter is
// tried and the first error is returned
//
type Multi []Reporter

// Report sends the state change to every reporter
func (m Multi) Report(ctx context.Context, j *job.Job, state job.State, attachment []byte) (err kv.Error) {
	for _, r := range m {
		if errRpt := r.Report(ctx, j, state, attachment); errRpt != nil && err == nil {
			err = errRpt
		}
	}
	return err
}
