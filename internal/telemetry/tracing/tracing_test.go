package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStartAndFinishOperationRecordsSuccess(t *testing.T) {
	tr := New("device-1")
	ctx := context.Background()

	ctx, span := tr.StartOperation(ctx, "session.connect", map[string]any{"host": "broker.example", "port": 1883})
	assert.NotNil(t, span)
	assert.True(t, span.IsRecording())

	FinishOperation(span, true, nil)
	_ = ctx
}

func TestFinishOperationRecordsError(t *testing.T) {
	tr := New("device-1")
	_, span := tr.StartOperation(context.Background(), "drain.execute", nil)

	wasRecording := span.IsRecording()
	FinishOperation(span, false, errors.New("broker unreachable"))

	assert.True(t, wasRecording)
}
