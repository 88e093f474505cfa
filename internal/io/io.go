// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package io

// This file contains routines for reading the output files that payloads and
// tools leave behind

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/karlmutch/circbuf"
	"github.com/karlmutch/vtclean"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// scanWindow is how much of the end of a file is examined, enough that lines
// rewritten using backspaces and carriage returns still leave something useful
const scanWindow = 1024 * 1024

// Tail returns up to max bytes from the end of a file with terminal control
// sequences removed from every line
//
func Tail(fn string, max int64) (data string, err kv.Error) {
	file, errGo := os.Open(filepath.Clean(fn))
	if errGo != nil {
		return "", kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}
	defer file.Close()

	fi, errGo := file.Stat()
	if errGo != nil {
		return "", kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}

	readStart := fi.Size() - scanWindow
	if readStart < 0 {
		readStart = 0
	}
	buf := make([]byte, fi.Size()-readStart)
	n, errGo := file.ReadAt(buf, readStart)
	if errGo != nil && errGo != io.EOF {
		return "", kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}

	if max < 1 {
		max = scanWindow
	}
	ring, errGo := circbuf.NewBuffer(max)
	if errGo != nil {
		return "", kv.Wrap(errGo).With("file", fn, "max", max, "stack", stack.Trace().TrimRuntime())
	}
	s := bufio.NewScanner(bytes.NewReader(buf[:n]))
	s.Buffer(make([]byte, 64*1024), scanWindow)
	for s.Scan() {
		ring.Write([]byte(vtclean.Clean(s.Text(), false)))
		ring.Write([]byte{'\n'})
	}
	return string(ring.Bytes()), nil
}

// TailLines is Tail split into its non empty lines
func TailLines(fn string, max int64) (lines []string, err kv.Error) {
	data, err := Tail(fn, max)
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(data, "\n") {
		if line = strings.TrimSpace(line); len(line) != 0 {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
