package projsys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Dispatcher executes workspace-call envelopes against the host Workspace.
type Dispatcher struct {
	workspace Workspace
	logger    *slog.Logger
	metrics   *Metrics
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

var (
	// ErrUnknownOperation is returned for workspace calls naming no known operation.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrArgumentCount is returned when a workspace call carries the wrong number of
	// arguments for its operation.
	ErrArgumentCount = errors.New("argument count mismatch")
	// ErrInvalidArgument is returned when an argument cannot be converted to the type
	// of its parameter.
	ErrInvalidArgument = errors.New("invalid argument")
)

// NewDispatcher creates a Dispatcher over the workspace.
func NewDispatcher(workspace Workspace, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		workspace: workspace,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// WithDispatcherLogger sets the logger of the Dispatcher.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics records dispatched operations in the metrics.
func WithDispatcherMetrics(metrics *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// Invoke runs the operation described by env. Value-returning operations are answered
// on emitter with the session of env, carrying either the result or the workspace
// error; void operations never reply. Malformed calls are returned as errors without
// any reply.
func (d *Dispatcher) Invoke(ctx context.Context, env Envelope, emitter Emitter) error {
	var req CallRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return fmt.Errorf("%w: failed to unmarshal call: %w", ErrInvalidArgument, err)
	}

	op, ok := operations[req.Name]
	if !ok {
		d.metrics.operationDispatched(req.Name, ErrUnknownOperation)
		return fmt.Errorf("%w: %q", ErrUnknownOperation, req.Name)
	}
	if len(req.Arguments) != op.arity {
		d.metrics.operationDispatched(req.Name, ErrArgumentCount)
		return fmt.Errorf("%w: %s takes %d arguments, got %d", ErrArgumentCount, req.Name, op.arity, len(req.Arguments))
	}

	result, err := op.invoke(ctx, d.workspace, req.Arguments)
	d.metrics.operationDispatched(req.Name, err)
	if errors.Is(err, ErrInvalidArgument) {
		return fmt.Errorf("failed to call %s: %w", req.Name, err)
	}

	if !op.returnsValue {
		if err != nil {
			return fmt.Errorf("failed to call %s: %w", req.Name, err)
		}
		return nil
	}

	var reply CallReply
	if err != nil {
		d.logger.Warn("workspace operation failed", slog.String("operation", req.Name), "err", err)
		reply.Error = err.Error()
	} else {
		resBs, mErr := json.Marshal(result)
		if mErr != nil {
			return fmt.Errorf("failed to marshal result of %s: %w", req.Name, mErr)
		}
		reply.Result = resBs
	}

	if err := emitter.EmitSession(env.Session, KindWorkspaceCall, reply); err != nil {
		return fmt.Errorf("failed to reply to %s: %w", req.Name, err)
	}
	return nil
}
