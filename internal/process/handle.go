// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package process

// This file contains the handle for a started external process and the
// signal escalation used to bring it, and anything it started, down.

import (
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/shirou/gopsutil/process"
)

// Command describes an external command to be run
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration // zero for no deadline other than the callers context

	// MaxOutput, when positive, bounds the captured stdout and stderr to their
	// trailing MaxOutput bytes each
	MaxOutput int64
}

// Handle is a started external process.  The exit status is collected exactly
// once by a background wait and cached, once Done is closed the process has been
// reaped and is never polled again.
//
type Handle struct {
	cmd      *exec.Cmd
	doneC    chan struct{}
	waitErr  error
	exitCode int
}

// Spawn starts the command with its output going to the supplied writers.  The
// process is placed into its own process group so that termination reaches any
// children it creates.
//
func Spawn(command Command, stdout io.Writer, stderr io.Writer) (h *Handle, err kv.Error) {
	if len(command.Path) == 0 {
		return nil, kv.NewError("empty command").With("stack", stack.Trace().TrimRuntime())
	}

	// #nosec
	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	if len(command.Env) != 0 {
		cmd.Env = command.Env
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Orphaned grandchildren holding our pipes must not keep Wait from returning
	cmd.WaitDelay = DefaultGracePeriod

	if errGo := cmd.Start(); errGo != nil {
		return nil, kv.Wrap(errGo).With("path", command.Path, "dir", command.Dir, "stack", stack.Trace().TrimRuntime())
	}

	h = &Handle{
		cmd:      cmd,
		doneC:    make(chan struct{}),
		exitCode: -1,
	}
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	defer close(h.doneC)

	h.waitErr = h.cmd.Wait()
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	}
}

// Pid of the process
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped
func (h *Handle) Done() <-chan struct{} {
	return h.doneC
}

// Alive is a non blocking liveness check
func (h *Handle) Alive() bool {
	select {
	case <-h.doneC:
		return false
	default:
		return true
	}
}

// ExitCode is the exit status of the process, -1 while running or when killed by a signal
func (h *Handle) ExitCode() int {
	if h.Alive() {
		return -1
	}
	return h.exitCode
}

// WaitErr is the error the wait for the process returned, nil while running
func (h *Handle) WaitErr() error {
	if h.Alive() {
		return nil
	}
	return h.waitErr
}

// descendants lists every process below the handle's process, it must be collected
// before the parent dies as orphans are adopted by init
//
func (h *Handle) descendants() (procs []*process.Process) {
	root, errGo := process.NewProcess(int32(h.Pid()))
	if errGo != nil {
		return nil
	}
	pending := []*process.Process{root}
	for len(pending) != 0 {
		children, errGo := pending[0].Children()
		pending = pending[1:]
		if errGo != nil {
			continue
		}
		procs = append(procs, children...)
		pending = append(pending, children...)
	}
	return procs
}

func (h *Handle) signal(sig syscall.Signal, procs []*process.Process) {
	// Negative pids address the whole process group
	_ = syscall.Kill(-h.Pid(), sig)
	for _, p := range procs {
		if running, _ := p.IsRunning(); running {
			_ = p.SendSignal(sig)
		}
	}
}

// Terminate sends SIGTERM to the process and its descendants, waits for the grace
// period and then sends SIGKILL to whatever is still alive.  Terminate returns
// once the process has been reaped.
//
func (h *Handle) Terminate(grace time.Duration) {
	if !h.Alive() {
		return
	}

	procs := h.descendants()
	h.signal(syscall.SIGTERM, procs)

	expired := time.NewTimer(grace)
	defer expired.Stop()

	select {
	case <-h.doneC:
		// Descendants that outlived the parent are not allowed to linger
		for _, p := range procs {
			if running, _ := p.IsRunning(); running {
				_ = p.Kill()
			}
		}
		return
	case <-expired.C:
	}

	h.signal(syscall.SIGKILL, procs)
	<-h.doneC
}
