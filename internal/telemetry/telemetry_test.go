package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndEndRunSpanDoesNotPanicAgainstNoopProviders(t *testing.T) {
	tel, err := New()
	require.NoError(t, err)

	ctx := tel.StartRunSpan(context.Background(), "wf_demo", "demo")
	tel.EndRunSpan(ctx, "wf_demo", "demo", "completed", 10*time.Millisecond, nil)
}

func TestEndRunSpanForUnknownWorkflowIDIsANoOp(t *testing.T) {
	tel, err := New()
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		tel.EndRunSpan(context.Background(), "wf_never_started", "demo", "completed", 0, nil)
	})
}

func TestStartAndEndStepSpanRecordsFailure(t *testing.T) {
	tel, err := New()
	require.NoError(t, err)

	ctx, span := tel.StartStepSpan(context.Background(), "wf_demo", "step1", "shell_command")
	require.NotNil(t, span)
	tel.EndStepSpan(span, "shell_command", "failed", 5*time.Millisecond, assert.AnError)
	_ = ctx
}
