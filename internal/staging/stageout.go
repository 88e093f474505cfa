// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package staging

// This file contains the stage-out worker that uploads the job outputs and log
// tarball and produces the file catalog for the job state service

import (
	"context"

	"github.com/leaf-ai/go-pilot/internal/catalog"
	"github.com/leaf-ai/go-pilot/internal/copytool"
	"github.com/leaf-ai/go-pilot/internal/job"
)

// uploadAll sends each file on its own so that one failure does not prevent the
// remaining files being attempted.  Successful uploads are added to the catalog.
//
func (p *Pipeline) uploadAll(ctx context.Context, j *job.Job, files []*job.FileSpec, cat *catalog.Catalog) (success bool) {
	success = true
	for _, f := range files {
		results, err := p.tool.CopyOut(ctx, []*job.FileSpec{f}, j.WorkDir)
		if err != nil {
			p.logger.Warn("stage-out copy tool failed", "job", j.ID, "did", f.DID(), "error", err.Error())
			success = false
			continue
		}
		countTransfers(copytool.Out, results)

		if f.Status != job.FileTransferred {
			p.logger.Warn("stage-out file failed", "job", j.ID, "did", f.DID(), "code", f.ErrorCode, "error", f.ErrorMsg)
			success = false
			continue
		}
		cat.Add(catalog.Entry{
			GUID:    f.GUID,
			LFN:     f.LFN,
			SURL:    f.SURL,
			Size:    f.Size,
			Adler32: f.Checksum,
		})
	}
	return success
}

// transferOut performs the uploads for a job, the catalog holds an entry for every
// file that was uploaded even when the job as a whole failed
//
func (p *Pipeline) transferOut(ctx context.Context, j *job.Job) (cat *catalog.Catalog, success bool) {
	cat = catalog.New()
	success = true

	files := []*job.FileSpec{}
	if !j.LogOnly {
		outputs, err := j.OutputSpecs()
		if err != nil {
			p.logger.Warn("job outputs unknown", "job", j.ID, "error", err.Error())
			success = false
		} else {
			files = outputs
		}
	}

	logSpec, err := PrepareLog(j, p.site)
	if err != nil {
		p.logger.Warn("log tarball failed", "job", j.ID, "error", err.Error())
		success = false
	} else {
		files = append(files, logSpec)
	}

	if !p.uploadAll(ctx, j, files, cat) {
		success = false
	}
	return cat, success
}

// stageOut uploads the outputs and the log of the job.  The job state service is told
// the job finished, along with the catalog of uploaded files, only when everything
// was uploaded and the payload had succeeded.
//
func (p *Pipeline) stageOut(ctx context.Context, j *job.Job) {
	p.transferring(ctx, j)

	cat, success := p.transferOut(ctx, j)

	if success && !j.LogOnly {
		doc, err := cat.Marshal()
		if err == nil {
			p.logger.Info("stage-out finished", "job", j.ID, "files", cat.Len())
			p.report(ctx, j, job.StateFinished, doc)
			p.route(j, job.StateFinished, p.Queues.FinishedDataOut)
			return
		}
		p.logger.Warn("catalog could not be rendered", "job", j.ID, "error", err.Error())
	}

	if j.LogOnly {
		p.logger.Info("stage-out of log finished for a failed payload", "job", j.ID, "files", cat.Len())
	}
	p.report(ctx, j, job.StateFailed, nil)
	p.route(j, job.StateFailed, p.Queues.FailedDataOut)
}
