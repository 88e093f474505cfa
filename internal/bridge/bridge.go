// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package bridge

// This file contains the message bridge used to exchange text messages with a payload
// process.  A background receive loop fills an inbox that is drained without
// blocking, while outgoing messages are sent synchronously.

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	"go.uber.org/atomic"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Transport carries single line text messages in both directions
type Transport interface {
	// Send delivers one message to the peer
	Send(ctx context.Context, msg string) (err kv.Error)
	// Receive blocks until a message arrives from the peer, it returns an error
	// once the transport is closed or broken
	Receive(ctx context.Context) (msg string, err kv.Error)
	Close() (err error)
}

// Quiescer is implemented by transports whose receive side stays open after the peer
// exits, Quiet is true when nothing the peer sent remains undelivered
//
type Quiescer interface {
	Quiet() (quiet bool, err kv.Error)
}

// settlePoll is the interval at which a Quiescer is checked while settling
var settlePoll = 50 * time.Millisecond

// Bridge pairs a transport with an inbox
type Bridge struct {
	transport Transport
	inbox     []string
	alive     *atomic.Bool
	started   *atomic.Bool
	received  *atomic.Int64
	cancel    context.CancelFunc
	doneC     chan struct{}
	logger    *log.Logger
	sync.Mutex
}

// New wraps a transport, the bridge is inactive until started
func New(transport Transport, logger *log.Logger) (b *Bridge) {
	return &Bridge{
		transport: transport,
		inbox:     []string{},
		alive:     atomic.NewBool(false),
		started:   atomic.NewBool(false),
		received:  atomic.NewInt64(0),
		doneC:     make(chan struct{}),
		logger:    logger,
	}
}

// Open creates a bridge for the named channel.  The selector picks the transport,
// "local" or empty for an abstract unix socket named after the channel, unix://path
// for a unix socket on the file system, and amqp:// or amqps:// URLs for a pair of
// queues on a message broker.
//
func Open(channel string, selector string, logger *log.Logger) (b *Bridge, err kv.Error) {
	if len(channel) == 0 {
		return nil, kv.NewError("channel name missing").With("stack", stack.Trace().TrimRuntime())
	}

	var transport Transport
	switch {
	case len(selector) == 0 || selector == "local":
		transport, err = Listen("@" + channel)
	case strings.HasPrefix(selector, "unix://"):
		transport, err = Listen(strings.TrimPrefix(selector, "unix://"))
	case strings.HasPrefix(selector, "amqp://") || strings.HasPrefix(selector, "amqps://"):
		transport, err = NewAMQPTransport(selector, channel, false)
	default:
		return nil, kv.NewError("unknown channel context").With("channel", channel, "context", selector, "stack", stack.Trace().TrimRuntime())
	}
	if err != nil {
		return nil, err.With("channel", channel)
	}
	return New(transport, logger), nil
}

// Start runs the receive loop in the background until the bridge is stopped, the
// context is cancelled, or the transport fails
//
func (b *Bridge) Start(ctx context.Context) (err kv.Error) {
	if !b.started.CAS(false, true) {
		return kv.NewError("bridge already started").With("stack", stack.Trace().TrimRuntime())
	}

	ctx, b.cancel = context.WithCancel(ctx)
	b.alive.Store(true)

	go b.receive(ctx)
	return nil
}

func (b *Bridge) receive(ctx context.Context) {
	defer close(b.doneC)
	defer b.alive.Store(false)

	for {
		msg, err := b.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && b.logger != nil {
				b.logger.Warn("message bridge receive failed", "error", err.Error())
			}
			return
		}
		b.Lock()
		b.inbox = append(b.inbox, msg)
		b.Unlock()
		b.received.Inc()
	}
}

// Send delivers a message to the peer
func (b *Bridge) Send(ctx context.Context, msg string) (err kv.Error) {
	if !b.alive.Load() {
		return kv.NewError("message bridge is not running").With("stack", stack.Trace().TrimRuntime())
	}
	return b.transport.Send(ctx, msg)
}

// TryGet removes the oldest message from the inbox, it never blocks
func (b *Bridge) TryGet() (msg string, ok bool) {
	b.Lock()
	defer b.Unlock()

	if len(b.inbox) == 0 {
		return "", false
	}
	msg = b.inbox[0]
	b.inbox = b.inbox[1:]
	return msg, true
}

// Len is the number of messages waiting in the inbox
func (b *Bridge) Len() int {
	b.Lock()
	defer b.Unlock()
	return len(b.inbox)
}

// IsAlive is true while the receive loop is running
func (b *Bridge) IsAlive() bool {
	return b.alive.Load()
}

// Done is closed once the receive loop has exited
func (b *Bridge) Done() <-chan struct{} {
	return b.doneC
}

// Settle waits up to the wait for everything the peer sent to have reached the inbox.
// That is established by the receive loop ending at the close of the connection, or
// for a Quiescer transport by it reporting quiet on two consecutive checks.  False is
// returned when neither happened in time.
//
func (b *Bridge) Settle(wait time.Duration) (settled bool) {
	if !b.started.Load() {
		return true
	}

	expired := time.NewTimer(wait)
	defer expired.Stop()

	check := time.NewTicker(settlePoll)
	defer check.Stop()

	q, canQuiesce := b.transport.(Quiescer)
	quietChecks := 0
	lastCount := b.received.Load()

	for {
		select {
		case <-b.doneC:
			return true
		case <-expired.C:
			return false
		case <-check.C:
			if !canQuiesce {
				continue
			}
			quiet, err := q.Quiet()
			if err != nil && b.logger != nil {
				b.logger.Debug("message bridge quiet check failed", "error", err.Error())
			}
			// Messages arriving since the last check restart the count
			count := b.received.Load()
			if err != nil || !quiet || count != lastCount {
				quietChecks = 0
				lastCount = count
				continue
			}
			if quietChecks++; quietChecks >= 2 {
				return true
			}
		}
	}
}

// Stop closes the transport and waits for the receive loop to exit
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if errGo := b.transport.Close(); errGo != nil && b.logger != nil {
		b.logger.Debug("message bridge close", "error", errGo.Error())
	}
	if b.started.Load() {
		<-b.doneC
	}
}
