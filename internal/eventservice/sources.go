// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package eventservice

// This file contains the event range source and result sinks used when the pilot
// is given its event ranges up front as a file

import (
	"context"
	"os"
	"sort"
	"sync"

	"github.com/valyala/fastjson"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// FileRangeSource serves event ranges from a fixed list and tracks the outcome of
// each range from the results the payload reports
//
type FileRangeSource struct {
	ranges []*EventRange
	byID   map[string]*EventRange
	next   int
	sync.Mutex
}

// NewRangeSource serves the supplied ranges in order
func NewRangeSource(ranges []*EventRange) (src *FileRangeSource, err kv.Error) {
	src = &FileRangeSource{
		ranges: ranges,
		byID:   make(map[string]*EventRange, len(ranges)),
	}
	for _, er := range ranges {
		if _, isPresent := src.byID[er.ID]; isPresent {
			return nil, kv.NewError("duplicate event range").With("id", er.ID, "stack", stack.Trace().TrimRuntime())
		}
		src.byID[er.ID] = er
	}
	return src, nil
}

// ParseRanges reads a JSON array of event range objects
func ParseRanges(data []byte) (ranges []*EventRange, err kv.Error) {
	v, errGo := fastjson.ParseBytes(data)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	items, errGo := v.Array()
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	ranges = make([]*EventRange, 0, len(items))
	for i, item := range items {
		er, err := newEventRange(item)
		if err != nil {
			return nil, err.With("index", i)
		}
		ranges = append(ranges, er)
	}
	return ranges, nil
}

// LoadRangeFile reads the event ranges from a file holding a JSON array
func LoadRangeFile(fn string) (src *FileRangeSource, err kv.Error) {
	data, errGo := os.ReadFile(fn)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}
	ranges, err := ParseRanges(data)
	if err != nil {
		return nil, err.With("file", fn)
	}
	return NewRangeSource(ranges)
}

// GetEventRanges hands out up to n ranges that have not yet been dispatched
func (src *FileRangeSource) GetEventRanges(ctx context.Context, n int) (ranges []*EventRange, err kv.Error) {
	src.Lock()
	defer src.Unlock()

	if n < 1 {
		n = 1
	}
	for ; n != 0 && src.next < len(src.ranges); n-- {
		er := src.ranges[src.next]
		er.Status = RangeDispatched
		ranges = append(ranges, er)
		src.next++
	}
	return ranges, nil
}

// HandleResult records the outcome of a range.  Results that carry no range id
// cannot be tracked and are accepted as is.
//
func (src *FileRangeSource) HandleResult(ctx context.Context, rec *Record) (err kv.Error) {
	if len(rec.ID) == 0 {
		return nil
	}

	src.Lock()
	defer src.Unlock()

	er, isPresent := src.byID[rec.ID]
	if !isPresent {
		return kv.NewError("result for an unknown event range").With("id", rec.ID, "stack", stack.Trace().TrimRuntime())
	}
	if rec.Status == StatusFailed {
		er.Status = RangeFailed
	} else {
		er.Status = RangeFinished
	}
	return nil
}

// Summary counts the ranges in each status
func (src *FileRangeSource) Summary() (counts map[RangeStatus]int) {
	src.Lock()
	defer src.Unlock()

	counts = map[RangeStatus]int{}
	for _, er := range src.ranges {
		counts[er.Status]++
	}
	return counts
}

// Status returns the status of a single range
func (src *FileRangeSource) Status(id string) (status RangeStatus, isPresent bool) {
	src.Lock()
	defer src.Unlock()

	er, isPresent := src.byID[id]
	if !isPresent {
		return RangeNew, false
	}
	return er.Status, true
}

// MarshalRecord renders a result as a single line JSON object
func MarshalRecord(rec *Record) (data []byte) {
	arena := fastjson.Arena{}
	doc := arena.NewObject()

	names := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		doc.Set(name, arena.NewString(rec.Fields[name]))
	}

	for _, field := range []struct{ name, value string }{
		{"id", rec.ID},
		{"output", rec.Output},
		{"code", rec.Code},
		{"detail", rec.Detail},
		{"message", rec.Message},
	} {
		if len(field.value) != 0 {
			doc.Set(field.name, arena.NewString(field.value))
		}
	}
	doc.Set("status", arena.NewString(string(rec.Status)))
	return doc.MarshalTo(nil)
}

// JSONLinesSink appends each result to a file as a line of JSON
type JSONLinesSink struct {
	fn string
	sync.Mutex
}

// NewJSONLinesSink returns a sink appending to the named file
func NewJSONLinesSink(fn string) (sink *JSONLinesSink) {
	return &JSONLinesSink{fn: fn}
}

// HandleResult appends the record
func (sink *JSONLinesSink) HandleResult(ctx context.Context, rec *Record) (err kv.Error) {
	sink.Lock()
	defer sink.Unlock()

	f, errGo := os.OpenFile(sink.fn, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if errGo != nil {
		return kv.Wrap(errGo).With("file", sink.fn, "stack", stack.Trace().TrimRuntime())
	}
	defer f.Close()

	if _, errGo = f.Write(append(MarshalRecord(rec), '\n')); errGo != nil {
		return kv.Wrap(errGo).With("file", sink.fn, "stack", stack.Trace().TrimRuntime())
	}
	return nil
}
