// Package temporal implements engine.Engine on Temporal. One workflow
// execution corresponds to one conversation turn; the workflow ID is derived
// from the conversation ID so concurrent start requests for the same
// conversation attach to the same execution instead of spawning a second one.
package temporal

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"goa.design/clue/log"

	"github.com/aibridge/chatrelay/engine"
)

const (
	// TaskQueue is the queue conversation workers listen on.
	TaskQueue = "chat-relay"

	// WorkflowName identifies the conversation processing workflow.
	WorkflowName = "conversation-processing"

	workflowIDPrefix = "conversation-"
)

// WorkflowID derives the deterministic workflow ID for a conversation. Every
// turn of the same conversation reuses the ID; the conflict policy below
// makes concurrent starts converge on one execution.
func WorkflowID(conversationID uuid.UUID) string {
	return workflowIDPrefix + conversationID.String()
}

// Options configures the Temporal engine adapter.
type Options struct {
	// Client is an established Temporal client. Required.
	Client client.Client
	// TaskQueue overrides the default task queue.
	TaskQueue string
}

// Engine adapts a Temporal client to engine.Engine.
type Engine struct {
	client client.Client
	queue  string
}

// Instrumentation returns the client interceptors wiring OTEL tracing into
// Temporal. Pass the result to client.Options before dialing.
func Instrumentation() ([]interceptor.ClientInterceptor, error) {
	tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
	if err != nil {
		return nil, fmt.Errorf("configure tracing interceptor: %w", err)
	}
	return []interceptor.ClientInterceptor{tracer}, nil
}

// New constructs the adapter.
func New(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, errors.New("temporal client is required")
	}
	queue := opts.TaskQueue
	if queue == "" {
		queue = TaskQueue
	}
	return &Engine{client: opts.Client, queue: queue}, nil
}

// Start implements engine.Engine. The ID reuse policy allows a new execution
// after a previous one closed; the conflict policy attaches to a still-open
// execution rather than failing, which keeps Start safe under request races.
func (e *Engine) Start(ctx context.Context, in engine.StartInput) error {
	opts := client.StartWorkflowOptions{
		ID:                       WorkflowID(in.ConversationID),
		TaskQueue:                e.queue,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, WorkflowName, in)
	if err != nil {
		return fmt.Errorf("start workflow: %w", err)
	}
	log.Debug(ctx, log.KV{K: "msg", V: "workflow started"},
		log.KV{K: "workflow_id", V: run.GetID()},
		log.KV{K: "run_id", V: run.GetRunID()})
	return nil
}

// Describe implements engine.Engine. An unknown workflow maps to
// StateUnknown rather than an error so callers can poll before the first
// start request lands.
func (e *Engine) Describe(ctx context.Context, conversationID uuid.UUID) (engine.RunState, error) {
	resp, err := e.client.DescribeWorkflowExecution(ctx, WorkflowID(conversationID), "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return engine.StateUnknown, nil
		}
		return engine.StateUnknown, fmt.Errorf("describe workflow: %w", err)
	}
	return mapStatus(resp.GetWorkflowExecutionInfo().GetStatus()), nil
}

// Cancel implements engine.Engine. Canceling an already closed or unknown
// execution succeeds; the record-side state machine already treats cancel as
// idempotent and the engine must not undo that.
func (e *Engine) Cancel(ctx context.Context, conversationID uuid.UUID) error {
	err := e.client.CancelWorkflow(ctx, WorkflowID(conversationID), "")
	if err == nil {
		return nil
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return nil
	}
	return fmt.Errorf("cancel workflow: %w", err)
}

func mapStatus(status enumspb.WorkflowExecutionStatus) engine.RunState {
	switch status {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return engine.StateRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED,
		enumspb.WORKFLOW_EXECUTION_STATUS_FAILED,
		enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT,
		enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return engine.StateClosed
	default:
		return engine.StateUnknown
	}
}
