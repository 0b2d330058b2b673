package temporal

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	enumspb "go.temporal.io/api/enums/v1"

	"github.com/aibridge/chatrelay/engine"
)

func TestWorkflowID(t *testing.T) {
	id := uuid.MustParse("0f7b6a1c-2d3e-4f5a-8b9c-1d2e3f4a5b6c")
	require.Equal(t, "conversation-0f7b6a1c-2d3e-4f5a-8b9c-1d2e3f4a5b6c", WorkflowID(id))
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestMapStatus(t *testing.T) {
	cases := []struct {
		name   string
		status enumspb.WorkflowExecutionStatus
		want   engine.RunState
	}{
		{"running", enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, engine.StateRunning},
		{"completed", enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED, engine.StateClosed},
		{"failed", enumspb.WORKFLOW_EXECUTION_STATUS_FAILED, engine.StateClosed},
		{"canceled", enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, engine.StateClosed},
		{"terminated", enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED, engine.StateClosed},
		{"timed out", enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT, engine.StateClosed},
		{"continued as new", enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW, engine.StateClosed},
		{"unspecified", enumspb.WORKFLOW_EXECUTION_STATUS_UNSPECIFIED, engine.StateUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, mapStatus(tc.status))
		})
	}
}
