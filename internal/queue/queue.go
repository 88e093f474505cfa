// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

// This contains the implementation of the in memory job queues that hand
// jobs between the pipeline stages.  Queues are FIFO, safe for concurrent
// use, and will never hold the same job twice.

import (
	"context"
	"sync"
	"time"

	"github.com/leaf-ai/go-pilot/internal/job"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Queue is a FIFO of jobs with a bounded blocking Get
type Queue struct {
	name   string
	items  []*job.Job
	held   map[*job.Job]struct{}
	readyC chan struct{}
	sync.Mutex
}

// New allocates an empty named queue
func New(name string) (q *Queue) {
	return &Queue{
		name:   name,
		items:  []*job.Job{},
		held:   map[*job.Job]struct{}{},
		readyC: make(chan struct{}, 1),
	}
}

// Name is used for logging
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) signal() {
	select {
	case q.readyC <- struct{}{}:
	default:
	}
}

// Put appends a job to the tail of the queue
func (q *Queue) Put(j *job.Job) (err kv.Error) {
	if j == nil {
		return kv.NewError("nil job").With("queue", q.name, "stack", stack.Trace().TrimRuntime())
	}

	q.Lock()
	defer q.Unlock()

	if _, isPresent := q.held[j]; isPresent {
		return kv.NewError("job already queued").With("queue", q.name, "job", j.ID, "stack", stack.Trace().TrimRuntime())
	}
	q.held[j] = struct{}{}
	q.items = append(q.items, j)
	q.signal()
	return nil
}

func (q *Queue) pop() (j *job.Job) {
	q.Lock()
	defer q.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	j = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	delete(q.held, j)

	// Other consumers may be waiting on the single ready token
	if len(q.items) != 0 {
		q.signal()
	}
	return j
}

// Get removes the job at the head of the queue.  When the queue is empty
// Get will wait up to the timeout, or until the context is done, for a job
// to arrive.  ok is false when no job was retrieved.
//
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (j *job.Job, ok bool) {
	if j = q.pop(); j != nil {
		return j, true
	}

	expired := time.NewTimer(timeout)
	defer expired.Stop()

	for {
		select {
		case <-q.readyC:
			if j = q.pop(); j != nil {
				return j, true
			}
		case <-expired.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Len is the number of jobs waiting
func (q *Queue) Len() int {
	q.Lock()
	defer q.Unlock()
	return len(q.items)
}

// Queues is the set of queues connecting the pilot components
type Queues struct {
	DataIn          *Queue
	FinishedDataIn  *Queue
	FailedDataIn    *Queue
	DataOut         *Queue
	FinishedDataOut *Queue
	FailedDataOut   *Queue
}

// NewQueues allocates the full set of pipeline queues
func NewQueues() (qs *Queues) {
	return &Queues{
		DataIn:          New("data_in"),
		FinishedDataIn:  New("finished_data_in"),
		FailedDataIn:    New("failed_data_in"),
		DataOut:         New("data_out"),
		FinishedDataOut: New("finished_data_out"),
		FailedDataOut:   New("failed_data_out"),
	}
}
