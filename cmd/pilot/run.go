// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// This file contains the life of a single job, stage-in then the payload then
// stage-out, with the job state service kept informed along the way

import (
	"context"
	"os"
	"path/filepath"

	"github.com/leaf-ai/go-pilot/internal/bridge"
	"github.com/leaf-ai/go-pilot/internal/copytool"
	"github.com/leaf-ai/go-pilot/internal/eventservice"
	pio "github.com/leaf-ai/go-pilot/internal/io"
	"github.com/leaf-ai/go-pilot/internal/job"
	"github.com/leaf-ai/go-pilot/internal/process"
	"github.com/leaf-ai/go-pilot/internal/queue"
	"github.com/leaf-ai/go-pilot/internal/report"
	"github.com/leaf-ai/go-pilot/internal/staging"

	"github.com/dustin/go-humanize"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

const (
	// PayloadStdout receives the output of a conventional payload inside the working directory
	PayloadStdout = "payload.stdout"
	// PayloadStderr receives the error output of a conventional payload
	PayloadStderr = "payload.stderr"
)

// pilot holds the components shared by the stages of a job
type pilot struct {
	cfg        *Config
	maxOutput  int64
	supervisor *process.Supervisor
	reporter   report.Reporter
	pipeline   *staging.Pipeline
	closers    []func()
}

func newPilot(cfg *Config) (p *pilot, err kv.Error) {
	p = &pilot{
		cfg:        cfg,
		supervisor: process.NewSupervisor(logger),
	}
	if p.maxOutput, err = cfg.MaxOutputBytes(); err != nil {
		return nil, err
	}

	reporters := report.Multi{report.NewLogReporter(logger)}
	if len(cfg.Reporter.File) != 0 {
		reporters = append(reporters, report.NewFileReporter(cfg.Reporter.File))
	}
	if len(cfg.Reporter.AMQP) != 0 {
		r, err := report.NewAMQPReporter(cfg.Reporter.AMQP, cfg.Reporter.Exchange, logger)
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, r)
		p.closers = append(p.closers, r.Close)
	}
	p.reporter = reporters

	cfg.Transfer.MaxOutput = p.maxOutput
	tool, err := copytool.New(cfg.Copytool, &cfg.Transfer, p.supervisor, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.pipeline = staging.NewPipeline(queue.NewQueues(), tool, p.reporter, cfg.Site, logger)
	return p, nil
}

// Close releases the broker connections, it is safe to call more than once
func (p *pilot) Close() {
	for _, closer := range p.closers {
		closer()
	}
	p.closers = nil
}

// Run takes the job through every stage.  A payload failure still has the log
// staged out, the job is then reported failed and the payload error returned.
//
func (p *pilot) Run(ctx context.Context, j *job.Job) (err kv.Error) {
	pipeCtx, pipeCancel := context.WithCancel(ctx)
	doneC := make(chan struct{})
	go func() {
		defer close(doneC)
		if err := p.pipeline.Run(pipeCtx); err != nil {
			logger.Warn("staging pipeline stopped", "error", err.Error())
		}
	}()
	defer func() {
		pipeCancel()
		<-doneC
	}()

	qs := p.pipeline.Queues

	if err = p.pipeline.SubmitStageIn(j); err != nil {
		return err
	}
	if _, ok := p.pipeline.Await(ctx, qs.FinishedDataIn, qs.FailedDataIn); !ok {
		return kv.NewError("stage-in failed").With("stack", stack.Trace().TrimRuntime())
	}

	var payloadErr kv.Error
	if p.cfg.EventService.Enabled {
		payloadErr = p.runEventService(ctx, j)
	} else {
		payloadErr = p.runPayload(ctx, j)
	}

	if ctx.Err() != nil {
		// The pipeline stops with the context so the failure is reported here
		if err := p.reporter.Report(context.WithoutCancel(ctx), j, job.StateFailed, nil); err != nil {
			logger.Warn("job state report failed", "job", j.ID, "error", err.Error())
		}
		return kv.Wrap(ctx.Err()).With("stack", stack.Trace().TrimRuntime())
	}

	if payloadErr != nil {
		logger.Warn("payload failed", "job", j.ID, "error", payloadErr.Error())
		j.LogOnly = true
	}

	if err = p.pipeline.SubmitStageOut(j); err != nil {
		return err
	}
	_, ok := p.pipeline.Await(ctx, qs.FinishedDataOut, qs.FailedDataOut)
	if payloadErr != nil {
		return payloadErr
	}
	if !ok {
		return kv.NewError("stage-out failed").With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// logTail logs the end of a payload error output file
func logTail(fn string, max int64) {
	lines, err := pio.TailLines(fn, max)
	if err != nil {
		logger.Debug("payload error output unavailable", "error", err.Error())
		return
	}
	for _, line := range lines {
		logger.Warn("payload error output", "line", line)
	}
}

// runPayload runs a conventional payload to completion under the supervisor
func (p *pilot) runPayload(ctx context.Context, j *job.Job) (err kv.Error) {
	if len(j.Payload) == 0 {
		return kv.NewError("job has no payload").With("stack", stack.Trace().TrimRuntime())
	}

	result, err := p.supervisor.Run(ctx, process.Command{
		Path:      "/bin/sh",
		Args:      []string{"-c", j.Payload},
		Dir:       j.WorkDir,
		MaxOutput: p.maxOutput,
	})
	if err != nil {
		return err
	}

	outputs := []struct {
		name string
		data []byte
	}{
		{PayloadStdout, result.Stdout},
		{PayloadStderr, result.Stderr},
	}
	for _, output := range outputs {
		fn := filepath.Join(j.WorkDir, output.name)
		if errGo := os.WriteFile(fn, output.data, 0600); errGo != nil {
			return kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
		}
	}

	logger.Info("payload stopped", "job", j.ID, "class", result.Class(), "exit_code", result.ExitCode,
		"duration", result.Duration().String(), "output", humanize.Bytes(uint64(len(result.Stdout))))

	if !result.Succeeded() {
		logTail(filepath.Join(j.WorkDir, PayloadStderr), 4096)
		return kv.NewError("payload failed").With("class", result.Class(), "exit_code", result.ExitCode, "stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// runEventService drives an event service payload over the message bridge, results
// are tracked against the event range file and optionally recorded
//
func (p *pilot) runEventService(ctx context.Context, j *job.Job) (err kv.Error) {
	es := p.cfg.EventService

	command := es.Payload
	if len(command) == 0 {
		command = j.Payload
	}

	src, err := eventservice.LoadRangeFile(os.ExpandEnv(es.Ranges))
	if err != nil {
		return err
	}
	sinks := eventservice.Sinks{src}
	if len(es.Results) != 0 {
		sinks = append(sinks, eventservice.NewJSONLinesSink(os.ExpandEnv(es.Results)))
	}

	b, err := bridge.Open(es.Channel, es.Context, logger)
	if err != nil {
		return err
	}

	payload := eventservice.Payload{
		Command: command,
		Dir:     j.WorkDir,
		Env: append(os.Environ(),
			"PILOT_EVENTSERVICE_CHANNEL="+es.Channel,
			"PILOT_EVENTSERVICE_CONTEXT="+es.Context,
		),
	}
	opts := eventservice.DefaultOptions()
	opts.BatchSize = es.BatchSize

	d, err := eventservice.NewDriver(payload, b, src, sinks, opts, logger)
	if err != nil {
		b.Stop()
		return err
	}

	err = d.Run(ctx)

	summary := src.Summary()
	logger.Info("event ranges", "job", j.ID, "outcome", d.Outcome(),
		"finished", summary[eventservice.RangeFinished],
		"failed", summary[eventservice.RangeFailed],
		"dispatched", summary[eventservice.RangeDispatched],
		"new", summary[eventservice.RangeNew])
	return err
}
