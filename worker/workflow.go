package worker

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/aibridge/chatrelay/engine"
)

// ConversationWorkflow runs one conversation turn. The workflow itself is a
// thin shell: all real work happens in the processing activity so the retry
// policy below governs producer failures. The heartbeat timeout keeps the
// cancellation path live: cancel signals ride on heartbeat responses, and the
// activity heartbeats on every produced event.
func ConversationWorkflow(ctx workflow.Context, turn engine.StartInput) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		HeartbeatTimeout:    heartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: time.Second,
			MaximumInterval: 30 * time.Second,
			MaximumAttempts: 3,
		},
	})
	return workflow.ExecuteActivity(ctx, ActivityName, turn).Get(ctx, nil)
}
