// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package bridge

// This file contains a transport that uses a pair of durable queues on an AMQP
// broker, one for each direction of the channel

import (
	"context"
	"net/url"

	"github.com/streadway/amqp"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// AMQPTransport sends on one queue and consumes from the other
type AMQPTransport struct {
	identity string
	sendQ    string
	recvQ    string
	conn     *amqp.Connection
	ch       *amqp.Channel
	msgs     <-chan amqp.Delivery
}

// QueueNames returns the queues carrying messages towards and away from the payload
func QueueNames(channel string) (toPayload string, fromPayload string) {
	return channel + ".to_payload", channel + ".from_payload"
}

// NewAMQPTransport connects to the broker and declares the queues for the channel,
// the peer flag selects the payload side of the channel
//
func NewAMQPTransport(uri string, channel string, peer bool) (t *AMQPTransport, err kv.Error) {
	identity := uri
	if u, errGo := url.Parse(uri); errGo == nil {
		u.User = nil
		identity = u.String()
	}

	toPayload, fromPayload := QueueNames(channel)
	t = &AMQPTransport{
		identity: identity,
		sendQ:    toPayload,
		recvQ:    fromPayload,
	}
	if peer {
		t.sendQ, t.recvQ = fromPayload, toPayload
	}

	conn, errGo := amqp.Dial(uri)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("uri", identity)
	}
	ch, errGo := conn.Channel()
	if errGo != nil {
		conn.Close()
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("uri", identity)
	}
	for _, name := range []string{toPayload, fromPayload} {
		if _, errGo = ch.QueueDeclare(name, true, false, false, false, nil); errGo != nil {
			ch.Close()
			conn.Close()
			return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("uri", identity, "queue", name)
		}
	}
	msgs, errGo := ch.Consume(t.recvQ, "", true, true, false, false, nil)
	if errGo != nil {
		ch.Close()
		conn.Close()
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("uri", identity, "queue", t.recvQ)
	}

	t.conn = conn
	t.ch = ch
	t.msgs = msgs
	return t, nil
}

// Send publishes a message onto the outgoing queue
func (t *AMQPTransport) Send(ctx context.Context, msg string) (err kv.Error) {
	if errGo := ctx.Err(); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("queue", t.sendQ)
	}
	if errGo := t.ch.Publish("", t.sendQ, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(msg),
	}); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("uri", t.identity, "queue", t.sendQ)
	}
	return nil
}

// Receive waits for the next message on the incoming queue
func (t *AMQPTransport) Receive(ctx context.Context) (msg string, err kv.Error) {
	select {
	case delivery, ok := <-t.msgs:
		if !ok {
			return "", kv.NewError("consumer closed").With("stack", stack.Trace().TrimRuntime()).With("uri", t.identity, "queue", t.recvQ)
		}
		return string(delivery.Body), nil
	case <-ctx.Done():
		return "", kv.Wrap(ctx.Err()).With("stack", stack.Trace().TrimRuntime()).With("queue", t.recvQ)
	}
}

// Quiet is true once the incoming queue is empty and every delivery pulled from
// the broker has been handed to Receive
//
func (t *AMQPTransport) Quiet() (quiet bool, err kv.Error) {
	q, errGo := t.ch.QueueInspect(t.recvQ)
	if errGo != nil {
		return false, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("uri", t.identity, "queue", t.recvQ)
	}
	return q.Messages == 0 && len(t.msgs) == 0, nil
}

// Close releases the broker connection, pending receives are released
func (t *AMQPTransport) Close() (err error) {
	if errGo := t.ch.Close(); errGo != nil {
		err = errGo
	}
	if errGo := t.conn.Close(); errGo != nil && err == nil {
		err = errGo
	}
	return err
}
