// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package eventservice

// This file contains the driver that runs an event service payload.  The payload is
// a long lived process that asks for event ranges over the message bridge and reports
// the outcome of each one back over the same bridge.  The driver polls, handling at
// most one message each iteration, and never blocks on an empty inbox.

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leaf-ai/go-pilot/internal/bridge"
	pio "github.com/leaf-ai/go-pilot/internal/io"
	"github.com/leaf-ai/go-pilot/internal/process"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	"github.com/lthibault/jitterbug"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

const (
	// DefaultOutputFile receives the payload stdout inside its directory
	DefaultOutputFile = "ES_payload_output.txt"
	// DefaultErrorFile receives the payload stderr inside its directory
	DefaultErrorFile = "ES_payload_error.txt"
)

var (
	esMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pilot_es_messages_total",
			Help: "Number of event service messages exchanged with the payload.",
		},
		[]string{"kind"},
	)
)

func init() {
	if errGo := prometheus.Register(esMessages); errGo != nil {
		if _, ok := errGo.(prometheus.AlreadyRegisteredError); !ok {
			log.NewLogger("eventservice").Warn("metric registration failed", "error", errGo.Error())
		}
	}
}

// State of the driver
type State string

const (
	StateInit       State = "init"
	StateRunning    State = "running"
	StateTerminated State = "terminated"
)

// Outcome of a terminated driver
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Payload describes the process being driven
type Payload struct {
	Command    string
	Dir        string
	OutputFile string
	ErrorFile  string
	Env        []string
}

// Options tune the driver loop
type Options struct {
	// BatchSize is the number of ranges requested for each ready message
	BatchSize int
	// PollInterval is the pause between iterations of the driver loop
	PollInterval time.Duration
	// GracePeriod is given to the payload between SIGTERM and SIGKILL
	GracePeriod time.Duration
	// Heartbeat is the approximate interval between monitor log messages
	Heartbeat time.Duration
}

// DefaultOptions match the pace of the payload protocol
func DefaultOptions() Options {
	return Options{
		BatchSize:    1,
		PollInterval: time.Second,
		GracePeriod:  process.DefaultGracePeriod,
		Heartbeat:    time.Minute,
	}
}

// Driver runs one payload against one bridge
type Driver struct {
	payload Payload
	opts    Options
	bridge  *bridge.Bridge
	source  EventRangeSource
	sink    ResultSink
	logger  *log.Logger

	handle  *process.Handle
	outputs []*os.File

	state        *atomic.String
	outcome      *atomic.String
	sentinelSent bool
}

// NewDriver checks the collaborators of the driver, the bridge must not yet be started
func NewDriver(payload Payload, b *bridge.Bridge, source EventRangeSource, sink ResultSink, opts Options, logger *log.Logger) (d *Driver, err kv.Error) {
	if len(payload.Command) == 0 {
		return nil, kv.NewError("payload command missing").With("stack", stack.Trace().TrimRuntime())
	}
	if b == nil || source == nil || sink == nil {
		return nil, kv.NewError("driver needs a bridge, an event range source, and a result sink").With("stack", stack.Trace().TrimRuntime())
	}

	defaults := DefaultOptions()
	if opts.BatchSize < 1 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaults.GracePeriod
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaults.Heartbeat
	}
	if len(payload.OutputFile) == 0 {
		payload.OutputFile = DefaultOutputFile
	}
	if len(payload.ErrorFile) == 0 {
		payload.ErrorFile = DefaultErrorFile
	}

	return &Driver{
		payload: payload,
		opts:    opts,
		bridge:  b,
		source:  source,
		sink:    sink,
		logger:  logger,
		state:   atomic.NewString(string(StateInit)),
		outcome: atomic.NewString(string(OutcomeNone)),
	}, nil
}

// State of the driver
func (d *Driver) State() State {
	return State(d.state.Load())
}

// Outcome is set once the driver has terminated
func (d *Driver) Outcome() Outcome {
	return Outcome(d.outcome.Load())
}

func (d *Driver) outputPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(d.payload.Dir, name)
}

// Init starts the message bridge and then the payload
func (d *Driver) Init(ctx context.Context) (err kv.Error) {
	if d.State() != StateInit {
		return kv.NewError("driver already initialized").With("state", d.State(), "stack", stack.Trace().TrimRuntime())
	}

	if err = d.bridge.Start(ctx); err != nil {
		return err
	}

	for _, name := range []string{d.payload.OutputFile, d.payload.ErrorFile} {
		fn := d.outputPath(name)
		f, errGo := os.Create(fn)
		if errGo != nil {
			return kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
		}
		d.outputs = append(d.outputs, f)
	}

	d.handle, err = process.Spawn(process.Command{
		Path: "/bin/sh",
		Args: []string{"-c", d.payload.Command},
		Dir:  d.payload.Dir,
		Env:  d.payload.Env,
	}, d.outputs[0], d.outputs[1])
	if err != nil {
		return err.With("command", d.payload.Command)
	}

	d.state.Store(string(StateRunning))
	d.logger.Info("event service payload started", "pid", d.handle.Pid(), "command", d.payload.Command)
	return nil
}

// Run initializes the driver and then loops until the payload completes or
// fails.  A nil return means the payload exited cleanly after being told there
// were no more events.
//
func (d *Driver) Run(ctx context.Context) (err kv.Error) {
	defer d.Close()

	if err = d.Init(ctx); err != nil {
		d.terminate(OutcomeFailure)
		return err
	}

	heartbeat := jitterbug.New(d.opts.Heartbeat, &jitterbug.Norm{Stdev: d.opts.Heartbeat / 12})
	defer heartbeat.Stop()

	poll := time.NewTicker(d.opts.PollInterval)
	defer poll.Stop()

	done := false
	for {
		if done, err = d.monitor(ctx); err != nil {
			d.terminate(OutcomeFailure)
			return err
		}
		if done {
			d.terminate(OutcomeSuccess)
			return nil
		}

		if err = d.handleMessage(ctx); err != nil {
			d.terminate(OutcomeFailure)
			return err
		}

		select {
		case <-heartbeat.C:
			d.logger.Info("event service monitor", "pid", d.handle.Pid(), "inbox", d.bridge.Len(), "sentinel_sent", d.sentinelSent)
		default:
		}

		select {
		case <-poll.C:
		case <-d.handle.Done():
		case <-ctx.Done():
		}
	}
}

func (d *Driver) terminate(outcome Outcome) {
	d.outcome.Store(string(outcome))
	d.state.Store(string(StateTerminated))
}

// exitedAfter waits up to the wait for the payload to exit, it returns true if it has
func (d *Driver) exitedAfter(wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-d.handle.Done():
		return true
	case <-timer.C:
		return false
	}
}

// monitor checks the liveness of the bridge and payload, done is true when the
// payload has completed successfully
//
func (d *Driver) monitor(ctx context.Context) (done bool, err kv.Error) {
	if ctx.Err() != nil {
		return false, kv.Wrap(ctx.Err()).With("stack", stack.Trace().TrimRuntime())
	}

	if !d.bridge.IsAlive() {
		// The payload closing its end of the channel as it exits is not a failure,
		// give it the chance to finish before deciding
		if !d.sentinelSent || !d.exitedAfter(d.opts.GracePeriod) {
			return false, kv.NewError("message bridge is not alive").With("stack", stack.Trace().TrimRuntime())
		}
	}

	if d.handle.Alive() {
		return false, nil
	}

	exitCode := d.handle.ExitCode()
	if exitCode != 0 || !d.sentinelSent {
		d.logFailure()
		return false, kv.NewError("payload process is not alive").With("exit_code", exitCode, "sentinel_sent", d.sentinelSent, "stack", stack.Trace().TrimRuntime())
	}

	// Results the payload sent before exiting are still owed to the sink, some may
	// not yet have been read from the transport
	if !d.bridge.Settle(d.opts.GracePeriod) {
		return false, kv.NewError("payload messages still arriving after exit").With("grace", d.opts.GracePeriod.String(), "inbox", d.bridge.Len(), "stack", stack.Trace().TrimRuntime())
	}
	if err = d.drain(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Driver) logFailure() {
	lines, err := pio.TailLines(d.outputPath(d.payload.ErrorFile), 4096)
	if err != nil {
		d.logger.Warn("payload error output unavailable", "error", err.Error())
		return
	}
	for _, line := range lines {
		d.logger.Warn("payload error output", "line", line)
	}
}

func (d *Driver) drain(ctx context.Context) (err kv.Error) {
	for {
		msg, ok := d.bridge.TryGet()
		if !ok {
			return nil
		}
		if isReady(msg) {
			continue
		}
		if err = d.handleResult(ctx, msg); err != nil {
			return err
		}
	}
}

func isReady(msg string) bool {
	return strings.Contains(msg, ReadyForEvents)
}

// handleMessage processes at most one message from the inbox
func (d *Driver) handleMessage(ctx context.Context) (err kv.Error) {
	msg, ok := d.bridge.TryGet()
	if !ok {
		return nil
	}
	d.logger.Debug("message from payload", "message", msg)

	if isReady(msg) {
		esMessages.WithLabelValues("ready").Inc()
		return d.sendRanges(ctx)
	}
	return d.handleResult(ctx, msg)
}

func (d *Driver) sendRanges(ctx context.Context) (err kv.Error) {
	ranges, err := d.source.GetEventRanges(ctx, d.opts.BatchSize)
	if err != nil {
		return err.With("batch_size", d.opts.BatchSize)
	}

	msg := NoMoreEvents
	kind := "no_more_events"
	if len(ranges) != 0 {
		msg = MarshalRanges(ranges)
		kind = "ranges"
	}
	if err = d.bridge.Send(ctx, msg); err != nil {
		return err
	}
	if len(ranges) == 0 {
		d.sentinelSent = true
	}
	esMessages.WithLabelValues(kind).Inc()
	d.logger.Debug("sent to payload", "ranges", len(ranges))
	return nil
}

func (d *Driver) handleResult(ctx context.Context, msg string) (err kv.Error) {
	rec, err := ParseOutputMessage(msg)
	if err != nil {
		esMessages.WithLabelValues("invalid").Inc()
		return err
	}
	esMessages.WithLabelValues(string(rec.Status)).Inc()

	if err = d.sink.HandleResult(ctx, rec); err != nil {
		return err.With("id", rec.ID)
	}
	return nil
}

// Close stops the payload, using the SIGTERM then SIGKILL escalation if it is still
// running, and shuts down the bridge
//
func (d *Driver) Close() {
	if d.handle != nil {
		d.handle.Terminate(d.opts.GracePeriod)
	}
	d.bridge.Stop()
	for _, f := range d.outputs {
		f.Close()
	}
	d.outputs = nil
	if d.State() != StateTerminated {
		d.terminate(OutcomeFailure)
	}
}
