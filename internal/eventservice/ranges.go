// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package eventservice

// This file contains the event range type along with the capabilities the driver is
// handed to obtain ranges and to dispose of the results the payload reports

import (
	"bytes"
	"context"

	"github.com/valyala/fastjson"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

const (
	// ReadyForEvents is sent by the payload when it wants more work
	ReadyForEvents = "Ready for events"
	// NoMoreEvents is sent to the payload once the event ranges are exhausted
	NoMoreEvents = "No more events"

	// DefaultChannel is the name of the message channel shared with the payload
	DefaultChannel = "EventService_EventRanges"
	// DefaultContext selects the local socket transport
	DefaultContext = "local"
)

// RangeStatus tracks an event range through the driver
type RangeStatus string

const (
	RangeNew        RangeStatus = ""
	RangeDispatched RangeStatus = "dispatched"
	RangeFinished   RangeStatus = "finished"
	RangeFailed     RangeStatus = "failed"
)

// EventRange is a unit of work for the payload.  The content is opaque to the pilot
// and passed to the payload as it was received, only the eventRangeID is interpreted.
//
type EventRange struct {
	ID     string
	Raw    []byte
	Status RangeStatus
}

// ParseEventRange reads a single JSON object describing an event range
func ParseEventRange(data []byte) (er *EventRange, err kv.Error) {
	v, errGo := fastjson.ParseBytes(data)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return newEventRange(v)
}

func newEventRange(v *fastjson.Value) (er *EventRange, err kv.Error) {
	if v.Type() != fastjson.TypeObject {
		return nil, kv.NewError("event range is not an object").With("type", v.Type().String(), "stack", stack.Trace().TrimRuntime())
	}
	id := v.Get("eventRangeID")
	if id == nil {
		return nil, kv.NewError("event range has no eventRangeID").With("stack", stack.Trace().TrimRuntime())
	}
	er = &EventRange{
		Raw: v.MarshalTo(nil),
	}
	if id.Type() == fastjson.TypeString {
		er.ID = string(id.GetStringBytes())
	} else {
		er.ID = string(id.MarshalTo(nil))
	}
	if len(er.ID) == 0 {
		return nil, kv.NewError("event range has an empty eventRangeID").With("stack", stack.Trace().TrimRuntime())
	}
	return er, nil
}

// MarshalRanges renders a batch of ranges as the JSON array sent to the payload
func MarshalRanges(ranges []*EventRange) (msg string) {
	buf := bytes.NewBufferString("[")
	for i, er := range ranges {
		if i != 0 {
			buf.WriteString(", ")
		}
		buf.Write(er.Raw)
	}
	buf.WriteString("]")
	return buf.String()
}

// EventRangeSource supplies up to n event ranges, an empty result means the
// ranges are exhausted
//
type EventRangeSource interface {
	GetEventRanges(ctx context.Context, n int) (ranges []*EventRange, err kv.Error)
}

// ResultSink receives each parsed payload message
type ResultSink interface {
	HandleResult(ctx context.Context, rec *Record) (err kv.Error)
}

// EventRangeSourceFunc adapts a function to an EventRangeSource
type EventRangeSourceFunc func(ctx context.Context, n int) (ranges []*EventRange, err kv.Error)

// GetEventRanges calls the function
func (f EventRangeSourceFunc) GetEventRanges(ctx context.Context, n int) (ranges []*EventRange, err kv.Error) {
	return f(ctx, n)
}

// ResultSinkFunc adapts a function to a ResultSink
type ResultSinkFunc func(ctx context.Context, rec *Record) (err kv.Error)

// HandleResult calls the function
func (f ResultSinkFunc) HandleResult(ctx context.Context, rec *Record) (err kv.Error) {
	return f(ctx, rec)
}

// Sinks fans a result out to several sinks, they are called in order and the
// first failure stops the fan out
//
type Sinks []ResultSink

// HandleResult passes the record to every sink
func (s Sinks) HandleResult(ctx context.Context, rec *Record) (err kv.Error) {
	for _, sink := range s {
		if err = sink.HandleResult(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
