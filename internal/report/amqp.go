// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package report

// This file contains a reporter that publishes job state changes to a topic
// exchange on an AMQP broker such as RabbitMQ

import (
	"context"
	"net/url"
	"sync"

	"github.com/leaf-ai/go-pilot/internal/job"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	"github.com/streadway/amqp"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// DefaultExchange is the topic exchange state changes are published to
const DefaultExchange = "pilot"

// AMQPReporter publishes state changes with the routing key pilot.<state>
type AMQPReporter struct {
	identity string
	exchange string
	conn     *amqp.Connection
	ch       *amqp.Channel
	logger   *log.Logger
	sync.Mutex
}

// redact removes any credentials from a broker URL so that it can be logged
func redact(uri string) string {
	u, errGo := url.Parse(uri)
	if errGo != nil {
		return ""
	}
	u.User = nil
	return u.String()
}

// NewAMQPReporter connects to the broker and declares the exchange
func NewAMQPReporter(uri string, exchange string, logger *log.Logger) (r *AMQPReporter, err kv.Error) {
	if len(exchange) == 0 {
		exchange = DefaultExchange
	}
	r = &AMQPReporter{
		identity: redact(uri),
		exchange: exchange,
		logger:   logger,
	}

	conn, errGo := amqp.Dial(uri)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("uri", r.identity)
	}
	ch, errGo := conn.Channel()
	if errGo != nil {
		conn.Close()
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("uri", r.identity)
	}
	if errGo = ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); errGo != nil {
		ch.Close()
		conn.Close()
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("uri", r.identity, "exchange", exchange)
	}
	r.conn = conn
	r.ch = ch
	return r, nil
}

// RoutingKey is the topic a state is published under
func RoutingKey(state job.State) string {
	return "pilot." + string(state)
}

// Report publishes the state change as a persistent message
func (r *AMQPReporter) Report(ctx context.Context, j *job.Job, state job.State, attachment []byte) (err kv.Error) {
	r.Lock()
	defer r.Unlock()

	if r.ch == nil {
		return kv.NewError("reporter closed").With("stack", stack.Trace().TrimRuntime()).With("uri", r.identity)
	}
	if errGo := ctx.Err(); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("job", j.ID, "state", state)
	}

	ev := NewEvent(j, state, attachment)
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.Time,
		Body:         ev.Marshal(),
	}
	if errGo := r.ch.Publish(r.exchange, RoutingKey(state), false, false, msg); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("uri", r.identity, "exchange", r.exchange, "job", j.ID, "state", state)
	}
	if r.logger != nil {
		r.logger.Debug("job state published", "job", j.ID, "state", state, "exchange", r.exchange)
	}
	return nil
}

// Close releases the broker connection
func (r *AMQPReporter) Close() {
	r.Lock()
	defer r.Unlock()

	if r.ch != nil {
		r.ch.Close()
		r.ch = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}
