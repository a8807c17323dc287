package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/syncengine/logging"
)

func TestLogEventAppendedEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New("repository:todos", "debug", "json")
	l.SetOutput(&buf)

	ctx := logging.WithTraceID(context.Background(), "trace-1")
	l.LogEventAppended(ctx, "todos", "t1", "insert", true)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "todos", entry["repository"])
	assert.Equal(t, "t1", entry["data_id"])
	assert.Equal(t, "trace-1", entry["trace_id"])
	assert.Equal(t, true, entry["pending"])
}

func TestNewTraceIDIsUnique(t *testing.T) {
	a := logging.NewTraceID()
	b := logging.NewTraceID()
	assert.NotEqual(t, a, b)
}

func TestDefaultLoggerLazyInit(t *testing.T) {
	l := logging.Default()
	require.NotNil(t, l)
}
