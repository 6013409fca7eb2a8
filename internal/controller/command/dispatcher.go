package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/domuslink/internal/devicemap"
)

// ErrDispatchFailed is returned when both the push channel and the
// stateless fallback fail for the same logical command.
var ErrDispatchFailed = errors.New("command: dispatch failed on both channels")

// PushChannel is the correlated push-channel surface the dispatcher uses.
// Satisfied by *transport.Client.
type PushChannel interface {
	IsConnected() bool
	Call(ctx context.Context, operation string, args []any) (json.RawMessage, error)
}

// StatelessChannel is the fallback request/response surface. Satisfied by
// *poll.Client.
type StatelessChannel interface {
	Invoke(ctx context.Context, operation string, args []any) (json.RawMessage, error)
}

// ValueCache supplies last-known canonical field values for companion
// arguments. Satisfied by the state coordinator.
type ValueCache interface {
	CachedValue(entityType, instanceID, field string) (any, bool)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Command is one canonical control operation against one instance.
type Command struct {
	// EntityType and InstanceID identify the target record.
	EntityType string
	InstanceID string

	// Kind is the target's device kind, resolved by the caller.
	Kind devicemap.Kind

	// Operation is the canonical operation name (e.g., "set_position").
	Operation string

	// Args are the operation's value arguments (e.g., the new position).
	Args []any
}

// Result reports how a command was delivered.
type Result struct {
	// Channel is "push" or "stateless".
	Channel string

	// Fallback is true when the stateless channel was used because the
	// push attempt failed or its preconditions were unmet.
	Fallback bool
}

// Dispatcher routes commands to the push channel when possible and falls
// back to the stateless channel otherwise.
//
// Policy, in order:
//  1. Push path: requires a connected push channel, a push mapping for
//     the command's device kind, and cached values for every companion
//     field the mapping needs. Relay hardware never takes this path: the
//     controller acknowledges relay push commands without actuating them.
//  2. Fallback: any push failure or unmet precondition routes the command
//     to the stateless channel under its translated name, exactly once.
//     The stateless channel is the operation of last resort; a push-path
//     failure is never surfaced without trying it.
type Dispatcher struct {
	push      PushChannel
	stateless StatelessChannel
	values    ValueCache
	table     *devicemap.Table
	logger    Logger
}

// NewDispatcher creates a command dispatcher.
func NewDispatcher(push PushChannel, stateless StatelessChannel, values ValueCache, table *devicemap.Table) *Dispatcher {
	return &Dispatcher{
		push:      push,
		stateless: stateless,
		values:    values,
		table:     table,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// Dispatch delivers one command, push-first with stateless fallback.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Result, error) {
	if pushOp, args, ok := d.pushPlan(cmd); ok {
		_, err := d.push.Call(ctx, pushOp, args)
		if err == nil {
			return Result{Channel: "push"}, nil
		}
		d.logger.Warn("push dispatch failed, falling back to stateless channel",
			"instance_id", cmd.InstanceID,
			"operation", cmd.Operation,
			"error", err)
		return d.fallback(ctx, cmd, true)
	}
	return d.fallback(ctx, cmd, false)
}

// pushPlan checks the push-path preconditions and builds the push-channel
// operation name and argument list. ok is false when the command must go
// straight to the stateless channel.
func (d *Dispatcher) pushPlan(cmd Command) (operation string, args []any, ok bool) {
	if !d.push.IsConnected() {
		return "", nil, false
	}

	// Relay hardware does not react to push-channel commands even though
	// the server acknowledges them.
	if cmd.Kind == devicemap.KindRelay {
		return "", nil, false
	}

	op, found := d.table.PushOperation(cmd.Kind, cmd.Operation)
	if !found {
		return "", nil, false
	}

	if len(op.ArgFields) == 0 {
		return op.Name, append([]any{cmd.InstanceID}, cmd.Args...), true
	}

	// Composite operation: the commanded field takes the new value, every
	// other field takes its cached last-known value. All companions must
	// be cached or the push path is unusable for this command.
	if len(cmd.Args) == 0 {
		return "", nil, false
	}
	args = []any{cmd.InstanceID}
	for _, field := range op.ArgFields {
		if field == op.Field {
			args = append(args, cmd.Args[0])
			continue
		}
		cached, have := d.values.CachedValue(cmd.EntityType, cmd.InstanceID, field)
		if !have {
			d.logger.Debug("companion value not cached, using stateless channel",
				"instance_id", cmd.InstanceID,
				"operation", cmd.Operation,
				"companion", field)
			return "", nil, false
		}
		args = append(args, cached)
	}
	return op.Name, args, true
}

// fallback issues the single stateless attempt for a command.
func (d *Dispatcher) fallback(ctx context.Context, cmd Command, afterPush bool) (Result, error) {
	operation := StatelessName(cmd.Operation)
	args := append([]any{cmd.InstanceID}, cmd.Args...)

	if _, err := d.stateless.Invoke(ctx, operation, args); err != nil {
		return Result{}, fmt.Errorf("%w: %s on %s: %w", ErrDispatchFailed, cmd.Operation, cmd.InstanceID, err)
	}
	return Result{Channel: "stateless", Fallback: afterPush}, nil
}
