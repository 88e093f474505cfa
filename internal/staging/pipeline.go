// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package staging

// This file contains the staging pipeline that moves jobs through the data
// stages.  Two workers run concurrently, one draining the stage-in queue and
// one draining the stage-out queue, each routing jobs into the finished or
// failed queue of its stage.

import (
	"context"
	"time"

	"github.com/leaf-ai/go-pilot/internal/copytool"
	"github.com/leaf-ai/go-pilot/internal/job"
	"github.com/leaf-ai/go-pilot/internal/queue"
	"github.com/leaf-ai/go-pilot/internal/report"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// DefaultPollInterval bounds how long a worker waits on an empty queue before
// checking for cancellation
const DefaultPollInterval = time.Second

var (
	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pilot_transfers_total",
			Help: "Number of file transfers attempted by the staging pipeline.",
		},
		[]string{"direction", "outcome"},
	)
)

func init() {
	if errGo := prometheus.Register(transfers); errGo != nil {
		if _, ok := errGo.(prometheus.AlreadyRegisteredError); !ok {
			log.NewLogger("staging").Warn("metric registration failed", "error", errGo.Error())
		}
	}
}

func countTransfers(d copytool.Direction, files []*job.FileSpec) {
	for _, f := range files {
		outcome := string(f.Status)
		if len(outcome) == 0 {
			outcome = "unknown"
		}
		transfers.WithLabelValues(string(d), outcome).Inc()
	}
}

// Pipeline holds the queues and collaborators used by the staging workers
type Pipeline struct {
	Queues       *queue.Queues
	PollInterval time.Duration

	tool     copytool.Copytool
	reporter report.Reporter
	site     string
	logger   *log.Logger
}

// NewPipeline returns a pipeline that is not yet running
func NewPipeline(qs *queue.Queues, tool copytool.Copytool, reporter report.Reporter, site string, logger *log.Logger) (p *Pipeline) {
	if qs == nil {
		qs = queue.NewQueues()
	}
	return &Pipeline{
		Queues:       qs,
		PollInterval: DefaultPollInterval,
		tool:         tool,
		reporter:     reporter,
		site:         site,
		logger:       logger,
	}
}

// Run starts the stage-in and stage-out workers and blocks until the context is
// cancelled and both workers have returned
//
func (p *Pipeline) Run(ctx context.Context) (err kv.Error) {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		p.worker(egCtx, p.Queues.DataIn, p.stageIn)
		return nil
	})
	eg.Go(func() error {
		p.worker(egCtx, p.Queues.DataOut, p.stageOut)
		return nil
	})

	if errGo := eg.Wait(); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// worker pulls jobs one at a time, between pulls it observes cancellation and
// never blocks for longer than the poll interval
//
func (p *Pipeline) worker(ctx context.Context, in *queue.Queue, handle func(ctx context.Context, j *job.Job)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		j, ok := in.Get(ctx, p.PollInterval)
		if !ok {
			continue
		}
		handle(ctx, j)
	}
}

func (p *Pipeline) submit(q *queue.Queue, j *job.Job) (err kv.Error) {
	if err = j.Begin(); err != nil {
		return err
	}
	if err = q.Put(j); err != nil {
		return err
	}
	return nil
}

// SubmitStageIn queues a job for its input files to be downloaded
func (p *Pipeline) SubmitStageIn(j *job.Job) (err kv.Error) {
	return p.submit(p.Queues.DataIn, j)
}

// SubmitStageOut queues a job for its outputs and log to be uploaded
func (p *Pipeline) SubmitStageOut(j *job.Job) (err kv.Error) {
	return p.submit(p.Queues.DataOut, j)
}

// Await blocks until a job appears on one of a stages outcome queues, ok is true when
// it arrived on the finished queue.  A nil job is returned if the context is done first.
//
func (p *Pipeline) Await(ctx context.Context, finished *queue.Queue, failed *queue.Queue) (j *job.Job, ok bool) {
	for {
		if j, isPresent := finished.Get(ctx, p.PollInterval/10); isPresent {
			return j, true
		}
		if j, isPresent := failed.Get(ctx, p.PollInterval/10); isPresent {
			return j, false
		}
		if ctx.Err() != nil {
			return nil, false
		}
	}
}

// report sends a state change, failures to report are logged and do not change the
// outcome of the job.  Reports still go out once the pipeline is being cancelled so
// that the job state service learns of the failure.
//
func (p *Pipeline) report(ctx context.Context, j *job.Job, state job.State, attachment []byte) {
	if p.reporter == nil {
		return
	}
	if err := p.reporter.Report(context.WithoutCancel(ctx), j, state, attachment); err != nil {
		p.logger.Warn("job state report failed", "job", j.ID, "state", state, "error", err.Error())
	}
}

func (p *Pipeline) route(j *job.Job, state job.State, q *queue.Queue) {
	if err := j.SetState(state); err != nil {
		p.logger.Warn("job state change rejected", "job", j.ID, "error", err.Error())
	}
	if err := q.Put(j); err != nil {
		p.logger.Warn("job could not be queued", "job", j.ID, "queue", q.Name(), "error", err.Error())
	}
}

func (p *Pipeline) transferring(ctx context.Context, j *job.Job) {
	if err := j.SetState(job.StateTransferring); err != nil {
		p.logger.Warn("job state change rejected", "job", j.ID, "error", err.Error())
	}
	p.report(ctx, j, job.StateTransferring, nil)
}

// stageIn downloads every input file of the job, the job is only successful when
// all of the files were transferred
//
func (p *Pipeline) stageIn(ctx context.Context, j *job.Job) {
	p.transferring(ctx, j)

	files := j.InputSpecs()
	success := true

	results, err := p.tool.CopyIn(ctx, files, j.WorkDir)
	if err != nil {
		p.logger.Warn("stage-in copy tool failed", "job", j.ID, "error", err.Error())
		success = false
	} else {
		countTransfers(copytool.In, results)
		for _, f := range results {
			if f.Status != job.FileTransferred {
				p.logger.Warn("stage-in file failed", "job", j.ID, "did", f.DID(), "code", f.ErrorCode, "error", f.ErrorMsg)
				success = false
			}
		}
	}

	if success {
		// The job is not finished until the payload and stage-out complete, so
		// the service is not told
		p.logger.Info("stage-in finished", "job", j.ID, "files", len(files))
		p.route(j, job.StateFinished, p.Queues.FinishedDataIn)
		return
	}

	p.report(ctx, j, job.StateFailed, nil)
	p.route(j, job.StateFailed, p.Queues.FailedDataIn)
}
