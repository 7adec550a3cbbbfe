// Package timing provides operation timing with consistent log output and
// Prometheus collectors for the execution core.
package timing

import (
	"context"
	"log"
	"time"
)

// Timed logs the start of an operation and returns a done function that
// logs the elapsed time. Pass the error (may be nil) so failures are
// logged with their duration too.
//
//	done := timing.Timed(logger, "vm_create")
//	err := doCreate()
//	done(err)
func Timed(logger *log.Logger, operation string) func(err error) {
	if logger == nil {
		logger = log.Default()
	}
	start := time.Now()
	logger.Printf("starting %s", operation)
	return func(err error) {
		elapsed := time.Since(start)
		if err != nil {
			logger.Printf("failed %s after %.2fs: %v", operation, elapsed.Seconds(), err)
			return
		}
		logger.Printf("completed %s in %.2fs", operation, elapsed.Seconds())
	}
}

// Operation runs fn under a timed log scope and passes its error through.
func Operation(ctx context.Context, logger *log.Logger, operation string, fn func(ctx context.Context) error) error {
	done := Timed(logger, operation)
	err := fn(ctx)
	done(err)
	return err
}
