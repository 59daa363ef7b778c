package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("info", &buf)

	logger.WithField("delivery_id", "d1").Info("delivery attempted")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "delivery attempted", entry["message"])
	assert.Equal(t, "d1", entry["delivery_id"])
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", &buf)

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, logrus.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("nonsense"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel(""))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", &buf)

	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTenantID(ctx, "tenant-a")

	FromContext(ctx).Info("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "tenant-a", entry["tenant_id"])
}

func TestContextHelpers_Empty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetTenantID(ctx))
	assert.NotNil(t, GetLogger(ctx))
	assert.NotNil(t, FromContext(ctx))
}

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("info", &buf)

	assert.NotPanics(t, func() {
		defer RecoverPanic(logger, "unit test")
		panic("boom")
	})
	assert.Contains(t, buf.String(), "PANIC recovered")
	assert.Contains(t, buf.String(), "unit test")
}

func TestRecoverPanicWithCallback(t *testing.T) {
	logger := NewLogger("info", &bytes.Buffer{})
	var got interface{}

	func() {
		defer RecoverPanicWithCallback(logger, "cb", func(r interface{}) { got = r })
		panic("kaput")
	}()
	assert.Equal(t, "kaput", got)

	called := false
	func() {
		defer RecoverPanicWithCallback(logger, "cb", func(interface{}) { called = true })
	}()
	assert.False(t, called)
}

func TestPanicError(t *testing.T) {
	assert.NoError(t, PanicError(nil))
	assert.EqualError(t, PanicError("x"), "panic: x")

	cause := assert.AnError
	assert.ErrorIs(t, PanicError(cause), cause)
}
