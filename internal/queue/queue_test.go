// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leaf-ai/go-pilot/internal/job"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"go.uber.org/goleak"
)

func TestQueueFIFO(t *testing.T) {
	q := New("test")
	jobs := []*job.Job{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	for _, j := range jobs {
		if err := q.Put(j); err != nil {
			t.Fatal(err)
		}
	}
	for _, expected := range jobs {
		j, ok := q.Get(context.Background(), time.Millisecond)
		if !ok || j != expected {
			t.Fatal(kv.NewError("out of order job").With("expected", expected.ID, "stack", stack.Trace().TrimRuntime()))
		}
	}
	if q.Len() != 0 {
		t.Fatal(kv.NewError("queue not drained").With("len", q.Len(), "stack", stack.Trace().TrimRuntime()))
	}
}

func TestQueueRejectsDuplicates(t *testing.T) {
	q := New("test")
	j := &job.Job{ID: "1"}
	if err := q.Put(j); err != nil {
		t.Fatal(err)
	}
	if err := q.Put(j); err == nil {
		t.Fatal(kv.NewError("duplicate job accepted").With("stack", stack.Trace().TrimRuntime()))
	}

	// Once removed the job may be queued again
	if _, ok := q.Get(context.Background(), time.Millisecond); !ok {
		t.Fatal(kv.NewError("job missing").With("stack", stack.Trace().TrimRuntime()))
	}
	if err := q.Put(j); err != nil {
		t.Fatal(err)
	}
}

func TestQueueGetTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := New("test")
	started := time.Now()
	if _, ok := q.Get(context.Background(), 50*time.Millisecond); ok {
		t.Fatal(kv.NewError("job from an empty queue").With("stack", stack.Trace().TrimRuntime()))
	}
	if elapsed := time.Since(started); elapsed < 50*time.Millisecond || elapsed > time.Second {
		t.Fatal(kv.NewError("unexpected wait").With("elapsed", elapsed, "stack", stack.Trace().TrimRuntime()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	started = time.Now()
	if _, ok := q.Get(ctx, time.Minute); ok {
		t.Fatal(kv.NewError("job from an empty queue").With("stack", stack.Trace().TrimRuntime()))
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatal(kv.NewError("cancellation ignored").With("elapsed", elapsed, "stack", stack.Trace().TrimRuntime()))
	}
}

func TestQueueConcurrentConsumers(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := New("test")
	count := 50

	wg := sync.WaitGroup{}
	resultsC := make(chan *job.Job, count)
	for i := 0; i != 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, ok := q.Get(context.Background(), 200*time.Millisecond)
				if !ok {
					return
				}
				resultsC <- j
			}
		}()
	}

	for i := 0; i != count; i++ {
		if err := q.Put(&job.Job{ID: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	close(resultsC)

	seen := map[string]struct{}{}
	for j := range resultsC {
		if _, isPresent := seen[j.ID]; isPresent {
			t.Fatal(kv.NewError("job delivered twice").With("job", j.ID, "stack", stack.Trace().TrimRuntime()))
		}
		seen[j.ID] = struct{}{}
	}
	if len(seen) != count {
		t.Fatal(kv.NewError("jobs lost").With("seen", len(seen), "stack", stack.Trace().TrimRuntime()))
	}
}
