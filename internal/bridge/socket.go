// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package bridge

// This file contains a transport over a unix domain socket using newline framed
// messages.  The pilot listens and accepts a single connection from the payload.

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// SocketTransport is one end of a unix socket connection
type SocketTransport struct {
	address  string
	listener net.Listener

	// readyC is closed once the connection is established or the listener fails
	readyC chan struct{}
	conn   net.Conn
	reader *bufio.Reader
	err    kv.Error

	writeLock sync.Mutex
	closeOnce sync.Once
}

// Listen creates the listening end of the transport, addresses starting with @
// are abstract socket names
//
func Listen(address string) (s *SocketTransport, err kv.Error) {
	listener, errGo := net.Listen("unix", address)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("address", address, "stack", stack.Trace().TrimRuntime())
	}
	s = &SocketTransport{
		address:  address,
		listener: listener,
		readyC:   make(chan struct{}),
	}
	go s.accept()
	return s, nil
}

// Dial connects to a listening transport, it is used by payload side tooling
func Dial(ctx context.Context, address string) (s *SocketTransport, err kv.Error) {
	dialer := net.Dialer{}
	conn, errGo := dialer.DialContext(ctx, "unix", address)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("address", address, "stack", stack.Trace().TrimRuntime())
	}
	s = &SocketTransport{
		address: address,
		readyC:  make(chan struct{}),
		conn:    conn,
		reader:  bufio.NewReader(conn),
	}
	close(s.readyC)
	return s, nil
}

func (s *SocketTransport) accept() {
	defer close(s.readyC)

	conn, errGo := s.listener.Accept()
	if errGo != nil {
		s.err = kv.Wrap(errGo).With("address", s.address, "stack", stack.Trace().TrimRuntime())
		return
	}
	s.conn = conn
	s.reader = bufio.NewReader(conn)
}

// Address the transport is listening on or connected to
func (s *SocketTransport) Address() string {
	return s.address
}

func (s *SocketTransport) ready(ctx context.Context) (err kv.Error) {
	select {
	case <-s.readyC:
		return s.err
	case <-ctx.Done():
		return kv.Wrap(ctx.Err()).With("address", s.address, "stack", stack.Trace().TrimRuntime())
	}
}

// Send writes one message, messages cannot contain newlines
func (s *SocketTransport) Send(ctx context.Context, msg string) (err kv.Error) {
	if strings.ContainsAny(msg, "\r\n") {
		return kv.NewError("message contains a line break").With("address", s.address, "stack", stack.Trace().TrimRuntime())
	}
	if err = s.ready(ctx); err != nil {
		return err
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if deadline, isPresent := ctx.Deadline(); isPresent {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	if _, errGo := s.conn.Write([]byte(msg + "\n")); errGo != nil {
		return kv.Wrap(errGo).With("address", s.address, "stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Receive reads the next message, a blocked read is released by Close
func (s *SocketTransport) Receive(ctx context.Context) (msg string, err kv.Error) {
	if err = s.ready(ctx); err != nil {
		return "", err
	}
	line, errGo := s.reader.ReadString('\n')
	if errGo != nil {
		// A last message without a line break is still delivered, the close of the
		// connection is seen on the next call
		if errGo == io.EOF && len(strings.TrimRight(line, "\r\n")) != 0 {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", kv.Wrap(errGo).With("address", s.address, "stack", stack.Trace().TrimRuntime())
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Close shuts down the listener and the connection
func (s *SocketTransport) Close() (err error) {
	s.closeOnce.Do(func() {
		if s.listener != nil {
			err = s.listener.Close()
		}
		<-s.readyC
		if s.conn != nil {
			if errGo := s.conn.Close(); errGo != nil && err == nil {
				err = errGo
			}
		}
	})
	return err
}
