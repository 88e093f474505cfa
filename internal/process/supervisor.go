// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package process

// This file contains the supervisor that runs a single external command to
// completion, cancellation, or its deadline.  Cancellation and timeouts
// are both handled by the same SIGTERM, grace period, SIGKILL escalation.

import (
	"bytes"
	"context"
	"io"
	"syscall"
	"time"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	"github.com/karlmutch/circbuf"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

const (
	// DefaultPollInterval is how often a running command is checked for cancellation and deadlines
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultGracePeriod is the time a process is given between SIGTERM and SIGKILL
	DefaultGracePeriod = 3 * time.Second
)

// Class is the broad outcome of running a command
type Class string

const (
	ClassSuccess   Class = "success"
	ClassFailure   Class = "failure"
	ClassTimeout   Class = "timeout"
	ClassCancelled Class = "cancelled"
)

// Result is the observed outcome of a command.  ExitCode is -1 when the
// process was ended by a signal.
//
type Result struct {
	Pid       int
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Cancelled bool
	TimedOut  bool
	Started   time.Time
	Stopped   time.Time
}

// Succeeded is true only for a process that ran to completion with a zero exit code
func (r *Result) Succeeded() bool {
	return r.ExitCode == 0 && !r.Cancelled && !r.TimedOut
}

// Class maps the result onto the outcomes callers make retry decisions with.  Tools
// that report their own timeouts through ETIMEDOUT or ETIME exit codes are treated
// the same as a deadline we enforced.
//
func (r *Result) Class() Class {
	switch {
	case r.Cancelled:
		return ClassCancelled
	case r.TimedOut:
		return ClassTimeout
	case r.ExitCode == int(syscall.ETIMEDOUT) || r.ExitCode == int(syscall.ETIME):
		return ClassTimeout
	case r.ExitCode == 0:
		return ClassSuccess
	}
	return ClassFailure
}

// Duration is the wall clock time the process was running
func (r *Result) Duration() time.Duration {
	return r.Stopped.Sub(r.Started)
}

// Supervisor runs external commands
type Supervisor struct {
	PollInterval time.Duration
	GracePeriod  time.Duration

	logger *log.Logger
}

// NewSupervisor returns a supervisor using the default poll interval and grace period
func NewSupervisor(logger *log.Logger) (s *Supervisor) {
	return &Supervisor{
		PollInterval: DefaultPollInterval,
		GracePeriod:  DefaultGracePeriod,
		logger:       logger,
	}
}

type capture interface {
	io.Writer
	Bytes() []byte
}

func newCapture(max int64) (c capture) {
	if max > 0 {
		if ring, errGo := circbuf.NewBuffer(max); errGo == nil {
			return ring
		}
	}
	return &bytes.Buffer{}
}

// Run starts the command and waits for it to exit.  When the context is cancelled,
// or the command timeout expires, the process and its descendants are terminated and
// Run returns no later than one grace period and one poll interval afterwards.
//
// An error is returned only when the command could not be started, a nonzero exit
// is reported through the Result.
//
func (s *Supervisor) Run(ctx context.Context, command Command) (result *Result, err kv.Error) {
	pollInterval := s.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	grace := s.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	stdout := newCapture(command.MaxOutput)
	stderr := newCapture(command.MaxOutput)

	result = &Result{
		ExitCode: -1,
		Started:  time.Now(),
	}

	h, err := Spawn(command, stdout, stderr)
	if err != nil {
		return nil, err
	}
	result.Pid = h.Pid()

	if s.logger != nil {
		s.logger.Debug("process started", "path", command.Path, "pid", result.Pid, "stack", stack.Trace().TrimRuntime())
	}

	var deadline <-chan time.Time
	if command.Timeout > 0 {
		timer := time.NewTimer(command.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	func() {
		for {
			select {
			case <-h.Done():
				return
			case <-poll.C:
				// Both conditions are re-checked on every iteration, the selects
				// below never block
				select {
				case <-ctx.Done():
					result.Cancelled = true
					h.Terminate(grace)
					return
				default:
				}
				select {
				case <-deadline:
					result.TimedOut = true
					h.Terminate(grace)
					return
				default:
				}
			}
		}
	}()

	<-h.Done()

	result.Stopped = time.Now()
	result.ExitCode = h.ExitCode()
	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()

	if s.logger != nil {
		s.logger.Debug("process stopped", "path", command.Path, "pid", result.Pid, "class", result.Class(),
			"exit_code", result.ExitCode, "duration", result.Duration().String())
	}
	return result, nil
}
