package journal

import (
	"context"
	"log"

	"github.com/orblab/orblab/internal/orbstack"
)

// Recorder adapts a Store to orbstack.ExecutionObserver. Write failures
// are logged and dropped; the journal never fails a command.
type Recorder struct {
	Store  *Store
	Logger *log.Logger
}

// NewRecorder returns a recorder writing to store.
func NewRecorder(store *Store, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{Store: store, Logger: logger}
}

// ObserveExecution implements orbstack.ExecutionObserver.
func (r *Recorder) ObserveExecution(ctx context.Context, rec orbstack.ExecutionRecord) {
	if r == nil || r.Store == nil {
		return
	}
	entry := Entry{
		Operation: rec.Operation,
		Machine:   rec.Machine,
		Argv:      rec.Argv,
		ExitCode:  rec.ExitCode,
		Attempts:  rec.Attempts,
		Duration:  rec.Duration,
		Success:   rec.Success,
		Error:     rec.Error,
	}
	if err := r.Store.Record(ctx, entry); err != nil {
		r.Logger.Printf("journal write failed: %v", err)
	}
}
