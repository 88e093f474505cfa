// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package process

// This file contains the implementation of code that checks to ensure
// that the local machine only has one entity accessing a named resource,
// it is used to make sure a single pilot handles any one job.

import (
	"net"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Exclusive holds a machine wide named lock for as long as it is not released
type Exclusive struct {
	Name   string
	listen net.Listener
}

// NewExclusive acquires the named lock, if another process already holds the name
// an error is returned.
//
func NewExclusive(name string) (excl *Exclusive, err kv.Error) {
	excl = &Exclusive{
		Name: name,
	}

	// An abstract socket name is released by the kernel when the process exits so
	// no unlinking is needed between process restarts, see
	// http://man7.org/linux/man-pages/man7/unix.7.html
	sockName := "@/tmp/" + name

	listen, errGo := net.Listen("unix", sockName)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("name", name, "stack", stack.Trace().TrimRuntime())
	}
	excl.listen = listen
	return excl, nil
}

// Release gives up the lock
func (excl *Exclusive) Release() {
	if excl == nil || excl.listen == nil {
		return
	}
	_ = excl.listen.Close()
	excl.listen = nil
}
