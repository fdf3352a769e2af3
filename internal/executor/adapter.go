package executor

import (
	"context"
	"encoding/json"

	"github.com/Jawbreaker1/StrikeFlow/internal/workflow"
)

// Result is the outcome of one tool-adapter invocation. Payload is opaque to
// the core. Transient marks a failure class worth retrying (timeouts,
// connection resets); it is meaningful only alongside a non-nil error.
type Result struct {
	Payload   json.RawMessage
	Summary   string
	Transient bool
}

// Adapter is the single contract between the core and every external tool.
// The core never branches on tool identity: it dispatches a task and records
// the result. Implementations must honor ctx cancellation promptly.
type Adapter interface {
	Execute(ctx context.Context, task workflow.Task) (Result, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, task workflow.Task) (Result, error)

func (f AdapterFunc) Execute(ctx context.Context, task workflow.Task) (Result, error) {
	return f(ctx, task)
}
