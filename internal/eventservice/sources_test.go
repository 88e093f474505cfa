// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package eventservice

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/valyala/fastjson"

	"github.com/go-stack/stack"
	"github.com/go-test/deep"
	"github.com/jjeffery/kv"
)

const testRanges = `[
	{"eventRangeID": "1-1-1", "startEvent": 1, "lastEvent": 10, "PFN": "/data/EVNT.pool.root"},
	{"eventRangeID": "1-1-2", "startEvent": 11, "lastEvent": 20, "PFN": "/data/EVNT.pool.root"},
	{"eventRangeID": 7, "startEvent": 21, "lastEvent": 30}
]`

func TestFileRangeSource(t *testing.T) {
	ctx := context.Background()

	fn := filepath.Join(t.TempDir(), "ranges.json")
	if errGo := os.WriteFile(fn, []byte(testRanges), 0600); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	src, err := LoadRangeFile(fn)
	if err != nil {
		t.Fatal(err)
	}

	first, err := src.GetEventRanges(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatal(kv.NewError("batch size not honoured").With("ranges", len(first), "stack", stack.Trace().TrimRuntime()))
	}

	expected := `[{"eventRangeID":"1-1-1","startEvent":1,"lastEvent":10,"PFN":"/data/EVNT.pool.root"}, ` +
		`{"eventRangeID":"1-1-2","startEvent":11,"lastEvent":20,"PFN":"/data/EVNT.pool.root"}]`
	if msg := MarshalRanges(first); msg != expected {
		t.Fatal(kv.NewError("batch message mismatched").With("expected", expected, "actual", msg, "stack", stack.Trace().TrimRuntime()))
	}

	// The batch must remain a valid JSON array for the payload
	if _, errGo := fastjson.Parse(MarshalRanges(first)); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	second, err := src.GetEventRanges(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || second[0].ID != "7" {
		t.Fatal(kv.NewError("numeric range id mishandled").With("ranges", second, "stack", stack.Trace().TrimRuntime()))
	}

	last, err := src.GetEventRanges(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 0 {
		t.Fatal(kv.NewError("ranges served twice").With("ranges", len(last), "stack", stack.Trace().TrimRuntime()))
	}

	results := []*Record{
		{ID: "1-1-1", Status: StatusFinished, Output: "/out/1"},
		{ID: "7", Status: StatusFailed, Code: "ERR_TE_FATAL"},
		{Status: StatusFinished, Output: "/out/anonymous"},
	}
	for _, rec := range results {
		if err = src.HandleResult(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err = src.HandleResult(ctx, &Record{ID: "9-9-9", Status: StatusFinished}); err == nil {
		t.Fatal(kv.NewError("unknown range accepted").With("stack", stack.Trace().TrimRuntime()))
	}

	want := map[RangeStatus]int{
		RangeFinished:   1,
		RangeDispatched: 1,
		RangeFailed:     1,
	}
	if diff := deep.Equal(src.Summary(), want); diff != nil {
		t.Fatal(kv.NewError("summary mismatched").With("diff", diff, "stack", stack.Trace().TrimRuntime()))
	}
	if status, isPresent := src.Status("1-1-2"); !isPresent || status != RangeDispatched {
		t.Fatal(kv.NewError("range status mismatched").With("status", status, "stack", stack.Trace().TrimRuntime()))
	}
}

func TestRangeFailures(t *testing.T) {
	bad := []string{
		`{"eventRangeID": "1-1-1"}`,
		`[{"startEvent": 1}]`,
		`[{"eventRangeID": ""}]`,
		`["1-1-1"]`,
		`[{"eventRangeID": "1-1-1"}`,
	}
	for _, doc := range bad {
		if _, err := ParseRanges([]byte(doc)); err == nil {
			t.Fatal(kv.NewError("malformed ranges accepted").With("doc", doc, "stack", stack.Trace().TrimRuntime()))
		}
	}

	ranges, err := ParseRanges([]byte(`[{"eventRangeID": "1-1-1"}, {"eventRangeID": "1-1-1"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err = NewRangeSource(ranges); err == nil {
		t.Fatal(kv.NewError("duplicate range accepted").With("stack", stack.Trace().TrimRuntime()))
	}

	er, err := ParseEventRange([]byte(`{"eventRangeID": "2-3-4", "startEvent": 5}`))
	if err != nil {
		t.Fatal(err)
	}
	if er.ID != "2-3-4" || er.Status != RangeNew {
		t.Fatal(kv.NewError("range mismatched").With("range", er, "stack", stack.Trace().TrimRuntime()))
	}
}

func TestJSONLinesSink(t *testing.T) {
	ctx := context.Background()
	fn := filepath.Join(t.TempDir(), "results.jsonl")

	recorded := []*Record{}
	sink := Sinks{
		NewJSONLinesSink(fn),
		ResultSinkFunc(func(ctx context.Context, rec *Record) (err kv.Error) {
			recorded = append(recorded, rec)
			return nil
		}),
	}

	lines := []string{
		"/out/path,cpu:12,wall:34",
		"ERR_TE_FATAL 5-2-1: Command failed",
	}
	for _, line := range lines {
		rec, err := ParseOutputMessage(line)
		if err != nil {
			t.Fatal(err)
		}
		if err = sink.HandleResult(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if len(recorded) != len(lines) {
		t.Fatal(kv.NewError("fan out incomplete").With("recorded", len(recorded), "stack", stack.Trace().TrimRuntime()))
	}

	f, errGo := os.Open(fn)
	if errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	defer f.Close()

	docs := []map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		v, errGo := fastjson.Parse(s.Text())
		if errGo != nil {
			t.Fatal(kv.Wrap(errGo).With("line", s.Text(), "stack", stack.Trace().TrimRuntime()))
		}
		obj, errGo := v.Object()
		if errGo != nil {
			t.Fatal(kv.Wrap(errGo).With("line", s.Text(), "stack", stack.Trace().TrimRuntime()))
		}
		doc := map[string]string{}
		obj.Visit(func(key []byte, v *fastjson.Value) {
			doc[string(key)] = string(v.GetStringBytes())
		})
		docs = append(docs, doc)
	}

	want := []map[string]string{
		{"cpu": "12", "wall": "34", "output": "/out/path", "status": "finished"},
		{
			"id":      "5-2-1",
			"code":    "ERR_TE_FATAL",
			"detail":  "Command failed",
			"message": "ERR_TE_FATAL 5-2-1: Command failed",
			"status":  "failed",
		},
	}
	if diff := deep.Equal(docs, want); diff != nil {
		t.Fatal(kv.NewError("results file mismatched").With("diff", diff, "stack", stack.Trace().TrimRuntime()))
	}
}
