// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package eventservice

// This file contains the parser for the messages an event service payload sends
// back once it has processed an event range.  Two shapes of message exist:
//
//   /path/to/output,key:value,key:value     a range was processed
//   ERR_SOME_CODE <range id>: <detail>       a range failed
//
// with ERR_ATHENAMP_PARSE carrying a quoted event range description in place of
// the bare range id.

import (
	"strings"
	"unicode/utf8"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

const (
	// ParseErrorCode marks failures where the range id is embedded in a description of the range
	ParseErrorCode = "ERR_ATHENAMP_PARSE"

	idMarker = "eventRangeID':"
)

// Status of a processed event range as reported by the payload
type Status string

const (
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Record is a parsed payload message
type Record struct {
	ID      string
	Status  Status
	Output  string
	Message string
	Code    string
	Detail  string
	Fields  map[string]string
}

// ParseOutputMessage parses a single message from the payload
func ParseOutputMessage(line string) (rec *Record, err kv.Error) {
	switch {
	case strings.HasPrefix(line, "/"):
		return parseOutput(line)
	case strings.HasPrefix(line, "ERR"):
		return parseError(line)
	}
	return nil, kv.NewError("unknown message").With("message", line, "stack", stack.Trace().TrimRuntime())
}

func parseOutput(line string) (rec *Record, err kv.Error) {
	parts := strings.Split(line, ",")
	rec = &Record{
		Status: StatusFinished,
		Output: parts[0],
		Fields: map[string]string{},
	}
	for _, part := range parts[1:] {
		name, value, found := strings.Cut(part, ":")
		if !found {
			return nil, kv.NewError("output field without a value").With("field", part, "message", line, "stack", stack.Trace().TrimRuntime())
		}
		rec.Fields[strings.ToLower(name)] = value
	}
	rec.ID = rec.Fields["id"]
	return rec, nil
}

// scanCode extracts the ERR_[A-Z_]+ code at the head of the message along with the
// text following the single space that must terminate it
//
func scanCode(line string) (code string, rest string, ok bool) {
	if !strings.HasPrefix(line, "ERR_") {
		return "", "", false
	}
	i := len("ERR_")
	for i < len(line) && (line[i] == '_' || (line[i] >= 'A' && line[i] <= 'Z')) {
		i++
	}
	if i == len("ERR_") || i >= len(line) || line[i] != ' ' {
		return "", "", false
	}
	return line[:i], line[i+1:], true
}

func isRangeIDChar(c byte) bool {
	return c == '-' || (c >= '0' && c <= '9')
}

// splitDetail separates "<head>:[ ]<detail>" where the detail has at least one character.
// When last is set the final usable colon is used, otherwise the first.
//
func splitDetail(text string, last bool) (head string, detail string, ok bool) {
	usable := func(i int) (string, bool) {
		after := text[i+1:]
		if strings.HasPrefix(after, " ") && len(after) > 1 {
			after = after[1:]
		}
		return after, len(after) != 0
	}

	if last {
		for i := len(text) - 1; i > 0; i-- {
			if text[i] != ':' {
				continue
			}
			if after, isUsable := usable(i); isUsable {
				return text[:i], after, true
			}
		}
		return "", "", false
	}

	i := strings.IndexByte(text, ':')
	if i < 1 {
		return "", "", false
	}
	after, isUsable := usable(i)
	if !isUsable {
		return "", "", false
	}
	return text[:i], after, true
}

// scanRangeID finds eventRangeID':[ ][any char]'<id> in a range description
func scanRangeID(desc string) (id string, ok bool) {
	for offset := 0; offset < len(desc); {
		at := strings.Index(desc[offset:], idMarker)
		if at < 0 {
			return "", false
		}
		start := offset + at + len(idMarker)
		offset = start

		// The optional space and the optional character are each tried present then absent
		for _, skipSpace := range []bool{true, false} {
			pos := start
			if skipSpace {
				if pos >= len(desc) || desc[pos] != ' ' {
					continue
				}
				pos++
			}
			for _, skipChar := range []bool{true, false} {
				p := pos
				if skipChar {
					if p >= len(desc) {
						continue
					}
					_, size := utf8.DecodeRuneInString(desc[p:])
					p += size
				}
				if p >= len(desc) || desc[p] != '\'' {
					continue
				}
				p++
				end := p
				for end < len(desc) && isRangeIDChar(desc[end]) {
					end++
				}
				if end > p {
					return desc[p:end], true
				}
			}
		}
	}
	return "", false
}

func parseError(line string) (rec *Record, err kv.Error) {
	code, rest, ok := scanCode(line)
	if !ok {
		return nil, kv.NewError("malformed error code").With("message", line, "stack", stack.Trace().TrimRuntime())
	}

	rec = &Record{
		Status:  StatusFailed,
		Message: line,
		Code:    code,
	}

	if strings.Contains(line, ParseErrorCode) {
		desc, detail, ok := splitDetail(rest, true)
		if !ok {
			return nil, kv.NewError("malformed parse error").With("message", line, "stack", stack.Trace().TrimRuntime())
		}
		id, ok := scanRangeID(desc)
		if !ok {
			return nil, kv.NewError("parse error without an event range id").With("message", line, "stack", stack.Trace().TrimRuntime())
		}
		rec.ID = id
		rec.Detail = detail
		return rec, nil
	}

	id, detail, ok := splitDetail(rest, false)
	if !ok {
		return nil, kv.NewError("malformed error message").With("message", line, "stack", stack.Trace().TrimRuntime())
	}
	for i := 0; i != len(id); i++ {
		if !isRangeIDChar(id[i]) {
			return nil, kv.NewError("malformed event range id").With("message", line, "stack", stack.Trace().TrimRuntime())
		}
	}
	rec.ID = id
	rec.Detail = detail
	return rec, nil
}
