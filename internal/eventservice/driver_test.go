// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package eventservice

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/leaf-ai/go-pilot/internal/bridge"

	"github.com/go-stack/stack"
	"github.com/go-test/deep"
	"github.com/jjeffery/kv"
	"go.uber.org/goleak"
)

// fakePayload is the payload side of a transport, it replies to each message the
// driver sends using a script
//
type fakePayload struct {
	recvC   chan string
	closedC chan struct{}
	reply   func(msg string) []string

	sent []string
	sync.Mutex
	closeOnce sync.Once
}

func newFakePayload(initial []string, reply func(msg string) []string) (p *fakePayload) {
	p = &fakePayload{
		recvC:   make(chan string, 64),
		closedC: make(chan struct{}),
		reply:   reply,
	}
	for _, msg := range initial {
		p.recvC <- msg
	}
	return p
}

func (p *fakePayload) Send(ctx context.Context, msg string) (err kv.Error) {
	p.Lock()
	p.sent = append(p.sent, msg)
	p.Unlock()

	if p.reply != nil {
		for _, answer := range p.reply(msg) {
			p.recvC <- answer
		}
	}
	return nil
}

func (p *fakePayload) Receive(ctx context.Context) (msg string, err kv.Error) {
	select {
	case msg, isOpen := <-p.recvC:
		if !isOpen {
			return "", kv.NewError("payload hung up").With("stack", stack.Trace().TrimRuntime())
		}
		return msg, nil
	case <-p.closedC:
		return "", kv.NewError("transport closed").With("stack", stack.Trace().TrimRuntime())
	case <-ctx.Done():
		return "", kv.Wrap(ctx.Err()).With("stack", stack.Trace().TrimRuntime())
	}
}

// Quiet is true once every scripted message has been taken by the bridge
func (p *fakePayload) Quiet() (quiet bool, err kv.Error) {
	return len(p.recvC) == 0, nil
}

func (p *fakePayload) Close() (err error) {
	p.closeOnce.Do(func() { close(p.closedC) })
	return nil
}

func (p *fakePayload) Sent() (sent []string) {
	p.Lock()
	defer p.Unlock()
	return append([]string{}, p.sent...)
}

func testOptions() Options {
	return Options{
		BatchSize:    1,
		PollInterval: 10 * time.Millisecond,
		GracePeriod:  500 * time.Millisecond,
		Heartbeat:    time.Second,
	}
}

func newTestDriver(t *testing.T, command string, p *fakePayload, source EventRangeSource, sink ResultSink) (d *Driver) {
	d, err := NewDriver(Payload{Command: command, Dir: t.TempDir()}, bridge.New(p, logger), source, sink, testOptions(), logger)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDriverConversation(t *testing.T) {
	defer goleak.VerifyNone(t)

	ranges, err := ParseRanges([]byte(`[{"eventRangeID": "1-1-1", "startEvent": 1}]`))
	if err != nil {
		t.Fatal(err)
	}
	src, err := NewRangeSource(ranges)
	if err != nil {
		t.Fatal(err)
	}

	p := newFakePayload([]string{ReadyForEvents}, func(msg string) []string {
		if msg == NoMoreEvents {
			return nil
		}
		return []string{"/out/HITS.1,ID:1-1-1,CPU:12", ReadyForEvents}
	})

	results := []*Record{}
	sink := Sinks{src, ResultSinkFunc(func(ctx context.Context, rec *Record) (err kv.Error) {
		results = append(results, rec)
		return nil
	})}

	d := newTestDriver(t, "echo started; sleep 1", p, src, sink)
	if d.State() != StateInit {
		t.Fatal(kv.NewError("unexpected initial state").With("state", d.State(), "stack", stack.Trace().TrimRuntime()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err = d.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if d.State() != StateTerminated || d.Outcome() != OutcomeSuccess {
		t.Fatal(kv.NewError("driver did not succeed").With("state", d.State(), "outcome", d.Outcome(), "stack", stack.Trace().TrimRuntime()))
	}

	expected := []string{`[{"eventRangeID":"1-1-1","startEvent":1}]`, NoMoreEvents}
	if diff := deep.Equal(p.Sent(), expected); diff != nil {
		t.Fatal(kv.NewError("conversation mismatched").With("diff", diff, "stack", stack.Trace().TrimRuntime()))
	}
	if len(results) != 1 || results[0].ID != "1-1-1" || results[0].Fields["cpu"] != "12" {
		t.Fatal(kv.NewError("result not delivered").With("results", results, "stack", stack.Trace().TrimRuntime()))
	}
	if status, _ := src.Status("1-1-1"); status != RangeFinished {
		t.Fatal(kv.NewError("range not finished").With("status", status, "stack", stack.Trace().TrimRuntime()))
	}

	output, errGo := os.ReadFile(filepath.Join(d.payload.Dir, DefaultOutputFile))
	if errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if string(output) != "started\n" {
		t.Fatal(kv.NewError("payload output not captured").With("output", string(output), "stack", stack.Trace().TrimRuntime()))
	}
}

// TestDriverSentinel checks that an exhausted source results in the sentinel and
// never in an empty batch
//
func TestDriverSentinel(t *testing.T) {
	defer goleak.VerifyNone(t)

	calls := 0
	source := EventRangeSourceFunc(func(ctx context.Context, n int) (ranges []*EventRange, err kv.Error) {
		calls++
		if n != 1 {
			return nil, kv.NewError("unexpected batch size").With("n", n, "stack", stack.Trace().TrimRuntime())
		}
		return []*EventRange{}, nil
	})
	sink := ResultSinkFunc(func(ctx context.Context, rec *Record) (err kv.Error) {
		return nil
	})

	p := newFakePayload([]string{ReadyForEvents}, nil)
	d := newTestDriver(t, "sleep 1", p, source, sink)

	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(p.Sent(), []string{NoMoreEvents}); diff != nil {
		t.Fatal(kv.NewError("sentinel not sent").With("diff", diff, "stack", stack.Trace().TrimRuntime()))
	}
	if calls != 1 {
		t.Fatal(kv.NewError("source called unexpectedly").With("calls", calls, "stack", stack.Trace().TrimRuntime()))
	}
}

func TestDriverFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	empty := EventRangeSourceFunc(func(ctx context.Context, n int) (ranges []*EventRange, err kv.Error) {
		return nil, nil
	})
	discard := ResultSinkFunc(func(ctx context.Context, rec *Record) (err kv.Error) {
		return nil
	})
	refuse := ResultSinkFunc(func(ctx context.Context, rec *Record) (err kv.Error) {
		return kv.NewError("sink unavailable").With("stack", stack.Trace().TrimRuntime())
	})

	hungUp := newFakePayload(nil, nil)
	close(hungUp.recvC)

	cases := []struct {
		name    string
		command string
		payload *fakePayload
		sink    ResultSink
	}{
		{name: "exit before sentinel", command: "exit 0", payload: newFakePayload(nil, nil), sink: discard},
		{name: "exit code", command: "echo broken >&2; exit 3", payload: newFakePayload([]string{ReadyForEvents}, nil), sink: discard},
		{name: "unparseable", command: "sleep 30", payload: newFakePayload([]string{"garbage"}, nil), sink: discard},
		{name: "sink failure", command: "sleep 30", payload: newFakePayload([]string{"/out/file,cpu:1"}, nil), sink: refuse},
		{name: "bridge dead", command: "sleep 30", payload: hungUp, sink: discard},
	}

	for _, tc := range cases {
		d := newTestDriver(t, tc.command, tc.payload, empty, tc.sink)

		start := time.Now()
		if err := d.Run(context.Background()); err == nil {
			t.Fatal(kv.NewError("failure not detected").With("case", tc.name, "stack", stack.Trace().TrimRuntime()))
		}
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Fatal(kv.NewError("failure detection too slow").With("case", tc.name, "elapsed", elapsed, "stack", stack.Trace().TrimRuntime()))
		}
		if d.State() != StateTerminated || d.Outcome() != OutcomeFailure {
			t.Fatal(kv.NewError("driver not failed").With("case", tc.name, "state", d.State(), "outcome", d.Outcome(), "stack", stack.Trace().TrimRuntime()))
		}
		if d.handle.Alive() {
			t.Fatal(kv.NewError("payload left running").With("case", tc.name, "pid", d.handle.Pid(), "stack", stack.Trace().TrimRuntime()))
		}
	}
}

func TestDriverCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	empty := EventRangeSourceFunc(func(ctx context.Context, n int) (ranges []*EventRange, err kv.Error) {
		return nil, nil
	})
	discard := ResultSinkFunc(func(ctx context.Context, rec *Record) (err kv.Error) {
		return nil
	})

	d := newTestDriver(t, "sleep 30", newFakePayload(nil, nil), empty, discard)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := d.Run(ctx); err == nil {
		t.Fatal(kv.NewError("cancellation not detected").With("stack", stack.Trace().TrimRuntime()))
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond+d.opts.GracePeriod+time.Second {
		t.Fatal(kv.NewError("cancellation too slow").With("elapsed", elapsed, "stack", stack.Trace().TrimRuntime()))
	}
	if d.Outcome() != OutcomeFailure || d.handle.Alive() {
		t.Fatal(kv.NewError("driver not stopped").With("outcome", d.Outcome(), "stack", stack.Trace().TrimRuntime()))
	}
}

func TestNewDriverValidation(t *testing.T) {
	p := newFakePayload(nil, nil)
	source := EventRangeSourceFunc(func(ctx context.Context, n int) (ranges []*EventRange, err kv.Error) {
		return nil, nil
	})

	if _, err := NewDriver(Payload{Command: "true"}, bridge.New(p, logger), source, nil, Options{}, logger); err == nil {
		t.Fatal(kv.NewError("missing sink accepted").With("stack", stack.Trace().TrimRuntime()))
	}
	if _, err := NewDriver(Payload{}, bridge.New(p, logger), source, Sinks{}, Options{}, logger); err == nil {
		t.Fatal(kv.NewError("missing command accepted").With("stack", stack.Trace().TrimRuntime()))
	}

	d, err := NewDriver(Payload{Command: "true"}, bridge.New(p, logger), source, Sinks{}, Options{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(d.opts, DefaultOptions()); diff != nil {
		t.Fatal(kv.NewError("defaults not applied").With("diff", diff, "stack", stack.Trace().TrimRuntime()))
	}
	if d.payload.OutputFile != DefaultOutputFile || d.payload.ErrorFile != DefaultErrorFile {
		t.Fatal(kv.NewError("default output files not applied").With("payload", d.payload, "stack", stack.Trace().TrimRuntime()))
	}
}

const (
	payloadAddressEnv    = "PILOT_TEST_PAYLOAD_ADDRESS"
	payloadBurstEnv      = "PILOT_TEST_PAYLOAD_BURST"
	payloadExecutableEnv = "PILOT_TEST_PAYLOAD_EXECUTABLE"
)

// resultWriter is run inside the test binary acting as a payload.  It asks for events,
// answers the sentinel with a burst of results, and exits without closing its end of
// the channel.
//
func resultWriter(address string, burst string) (exitCode int) {
	count, errGo := strconv.Atoi(burst)
	if errGo != nil {
		fmt.Fprintln(os.Stderr, errGo.Error())
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conn, err := bridge.Dial(ctx, address)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	if err = conn.Send(ctx, ReadyForEvents); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	msg, err := conn.Receive(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	if msg != NoMoreEvents {
		fmt.Fprintln(os.Stderr, "unexpected message", msg)
		return 2
	}
	for i := 0; i != count; i++ {
		if err = conn.Send(ctx, fmt.Sprintf("/out/f%d,cpu:1", i)); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			return 1
		}
	}
	return 0
}

// TestDriverResultsInTransit runs a payload over a real socket that exits straight
// after writing a burst of results, every one of them must reach the sink
//
func TestDriverResultsInTransit(t *testing.T) {
	defer goleak.VerifyNone(t)

	executable, errGo := os.Executable()
	if errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	const burst = 3000

	empty := EventRangeSourceFunc(func(ctx context.Context, n int) (ranges []*EventRange, err kv.Error) {
		return nil, nil
	})

	for round := 0; round != 5; round++ {
		dir := t.TempDir()
		address := filepath.Join(dir, "es.sock")

		b, err := bridge.Open(DefaultChannel, "unix://"+address, logger)
		if err != nil {
			t.Fatal(err)
		}

		delivered := 0
		sink := ResultSinkFunc(func(ctx context.Context, rec *Record) (err kv.Error) {
			delivered++
			return nil
		})

		payload := Payload{
			Command: `exec "$` + payloadExecutableEnv + `"`,
			Dir:     dir,
			Env: append(os.Environ(),
				payloadAddressEnv+"="+address,
				payloadBurstEnv+"="+strconv.Itoa(burst),
				payloadExecutableEnv+"="+executable,
			),
		}
		d, err := NewDriver(payload, b, empty, sink, testOptions(), logger)
		if err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		err = d.Run(ctx)
		cancel()

		if err != nil {
			t.Fatal(err.With("round", round))
		}
		if d.Outcome() != OutcomeSuccess || delivered != burst {
			t.Fatal(kv.NewError("results lost").With("round", round, "outcome", d.Outcome(), "delivered", delivered, "sent", burst, "stack", stack.Trace().TrimRuntime()))
		}
	}
}

// unsettledPayload never reports its messages as delivered
type unsettledPayload struct {
	*fakePayload
}

func (p unsettledPayload) Quiet() (quiet bool, err kv.Error) {
	return false, nil
}

// TestDriverUnsettledExit checks that a payload exiting while its channel cannot be
// shown to be drained is a failure rather than a success with missing results
//
func TestDriverUnsettledExit(t *testing.T) {
	defer goleak.VerifyNone(t)

	empty := EventRangeSourceFunc(func(ctx context.Context, n int) (ranges []*EventRange, err kv.Error) {
		return nil, nil
	})
	discard := ResultSinkFunc(func(ctx context.Context, rec *Record) (err kv.Error) {
		return nil
	})

	p := unsettledPayload{newFakePayload([]string{ReadyForEvents}, nil)}
	d, err := NewDriver(Payload{Command: "sleep 1", Dir: t.TempDir()}, bridge.New(p, logger), empty, discard, testOptions(), logger)
	if err != nil {
		t.Fatal(err)
	}

	if err = d.Run(context.Background()); err == nil {
		t.Fatal(kv.NewError("unsettled channel accepted").With("stack", stack.Trace().TrimRuntime()))
	}
	if d.Outcome() != OutcomeFailure {
		t.Fatal(kv.NewError("driver not failed").With("outcome", d.Outcome(), "stack", stack.Trace().TrimRuntime()))
	}
	if diff := deep.Equal(p.Sent(), []string{NoMoreEvents}); diff != nil {
		t.Fatal(kv.NewError("sentinel not sent").With("diff", diff, "stack", stack.Trace().TrimRuntime()))
	}
}
