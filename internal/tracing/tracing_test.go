package tracing

import (
	"bytes"
	"context"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestSetupEnabledWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, shutdown, err := Setup(true, &buf)
	assert.NilError(t, err)

	_, span := Tracer(tp).Start(context.Background(), "allocator.Reserve")
	span.End()
	assert.NilError(t, shutdown(context.Background()))
	assert.Check(t, is.Contains(buf.String(), "allocator.Reserve"))
}

func TestSetupDisabled(t *testing.T) {
	tp, shutdown, err := Setup(false, nil)
	assert.NilError(t, err)
	_, span := Tracer(tp).Start(context.Background(), "noop")
	assert.Check(t, !span.SpanContext().IsValid())
	span.End()
	assert.NilError(t, shutdown(context.Background()))
}
