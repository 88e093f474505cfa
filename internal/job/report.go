// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package job

// This file contains the loader for the job report the payload leaves behind in the
// working directory describing the files it produced

import (
	"os"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/valyala/fastjson"
)

// ReportFile is the name of the payload report inside the working directory
const ReportFile = "jobReport.json"

// OutputFile is one produced file as recorded by the payload
type OutputFile struct {
	Name string
	GUID string
	Size int64
}

// Report holds the parts of the payload job report used for stage-out
type Report struct {
	Outputs []OutputFile
}

// ParseReport extracts the output files from a job report document, only the first
// sub file of each output entry is used
//
func ParseReport(data []byte) (report *Report, err kv.Error) {
	v, errGo := fastjson.ParseBytes(data)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	report = &Report{}
	for i, output := range v.GetArray("files", "output") {
		subFiles := output.GetArray("subFiles")
		if len(subFiles) == 0 {
			return nil, kv.NewError("output entry has no sub files").With("index", i, "stack", stack.Trace().TrimRuntime())
		}
		sub := subFiles[0]
		name := string(sub.GetStringBytes("name"))
		if len(name) == 0 {
			return nil, kv.NewError("output entry has no name").With("index", i, "stack", stack.Trace().TrimRuntime())
		}
		report.Outputs = append(report.Outputs, OutputFile{
			Name: name,
			GUID: string(sub.GetStringBytes("file_guid")),
			Size: sub.GetInt64("file_size"),
		})
	}
	return report, nil
}

// LoadReport reads and parses a job report file
func LoadReport(fn string) (report *Report, err kv.Error) {
	data, errGo := os.ReadFile(fn)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}
	if report, err = ParseReport(data); err != nil {
		return nil, err.With("file", fn)
	}
	return report, nil
}
