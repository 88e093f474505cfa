// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package process

// This file contains a bounded retry wrapper for commands, such as transfer
// tools, that can fail transiently with a timeout

import (
	"context"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// RetryDelay is the pause between attempts of a timed out command
var RetryDelay = 500 * time.Millisecond

// RunWithRetry runs the command up to attempts times.  Only timeout class outcomes
// are retried, any other outcome including cancellation is returned immediately
// along with the result of the final attempt.
//
func (s *Supervisor) RunWithRetry(ctx context.Context, command Command, attempts int) (result *Result, err kv.Error) {
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		if result, err = s.Run(ctx, command); err != nil {
			return nil, err.With("attempt", attempt)
		}
		if result.Class() != ClassTimeout || attempt >= attempts {
			return result, nil
		}

		if s.logger != nil {
			s.logger.Debug("retrying timed out command", "path", command.Path, "attempt", attempt,
				"exit_code", result.ExitCode, "stack", stack.Trace().TrimRuntime())
		}

		select {
		case <-ctx.Done():
			return result, nil
		case <-time.After(RetryDelay):
		}
	}
}
