package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestEnrichLogger(t *testing.T) {
	logger, buf := textLogger()

	enriched := EnrichLogger(logger, "evt-1", "OrderCreated", "order-1")
	require.NotNil(t, enriched)
	enriched.Info("processing")

	out := buf.String()
	assert.Contains(t, out, "event_id=evt-1")
	assert.Contains(t, out, "event_type=OrderCreated")
	assert.Contains(t, out, "entity_key=order-1")

	assert.Nil(t, EnrichLogger(nil, "evt-1", "OrderCreated", "order-1"))
}

func TestLogStageFailure(t *testing.T) {
	logger, buf := textLogger()

	LogStageFailure(logger, "APPLY", "evt-1", errors.New("updater missing"))
	out := buf.String()
	assert.Contains(t, out, "stage=APPLY")
	assert.Contains(t, out, "event_id=evt-1")
	assert.Contains(t, out, "updater missing")

	LogStageFailure(nil, "APPLY", "evt-1", errors.New("ignored"))
}

func TestLogSagaTransition(t *testing.T) {
	logger, buf := textLogger()

	LogSagaTransition(logger, "saga-1", "order-fulfillment", "IN_PROGRESS", "COMPLETED")
	out := buf.String()
	assert.Contains(t, out, "saga_id=saga-1")
	assert.Contains(t, out, "from=IN_PROGRESS")
	assert.Contains(t, out, "to=COMPLETED")

	LogSagaTransition(nil, "saga-1", "order-fulfillment", "", "IN_PROGRESS")
}

func TestLogScheduledTaskError(t *testing.T) {
	logger, buf := textLogger()

	LogScheduledTaskError(logger, "saga-timeout-scanner", errors.New("grid unavailable"))
	out := buf.String()
	assert.Contains(t, out, "task=saga-timeout-scanner")
	assert.Contains(t, out, "grid unavailable")

	LogScheduledTaskError(nil, "saga-timeout-scanner", errors.New("ignored"))
}

func TestTimedOperation(t *testing.T) {
	elapsed := TimedOperation()
	time.Sleep(5 * time.Millisecond)
	d := elapsed()
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)
}
