package event_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridstream/gridstream/pkg/gridstream/event"
)

func TestNewEnvelope(t *testing.T) {
	env := event.New("OrderCreated", "order-service", "order-1001",
		event.Record{"total": 42.5})

	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "OrderCreated", env.EventType)
	assert.Equal(t, "order-service", env.SourceService)
	assert.Equal(t, "order-1001", env.EntityKey)
	assert.Equal(t, 1, env.SchemaVersion)
	assert.Equal(t, env.EventID, env.CorrelationID, "correlation defaults to own event ID")
	assert.False(t, env.OccurredAt.IsZero())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	occurred := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	env := event.New("StockReserved", "inventory-service", "order-7",
		event.Record{"sku": "A-100", "qty": float64(3)},
		event.WithOccurredAt(occurred),
		event.WithCorrelationID("corr-1"),
		event.WithSaga("saga-1", "OrderFulfillment", 2, false),
	)

	raw, err := env.Marshal()
	require.NoError(t, err)

	got, err := event.Unmarshal(raw)
	require.NoError(t, err)

	assert.Equal(t, env.EventID, got.EventID)
	assert.Equal(t, "StockReserved", got.EventType)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.True(t, occurred.Equal(got.OccurredAt))
	require.NotNil(t, got.Saga)
	assert.Equal(t, "saga-1", got.Saga.SagaID)
	assert.Equal(t, "OrderFulfillment", got.Saga.SagaType)
	assert.Equal(t, 2, got.Saga.StepNumber)
	assert.False(t, got.Saga.Compensating)
	assert.Equal(t, "A-100", got.Data.String("sku"))
}

func TestNewFromParent(t *testing.T) {
	parent := event.New("OrderCreated", "order-service", "order-9", nil,
		event.WithCorrelationID("corr-x"),
		event.WithSaga("saga-2", "OrderFulfillment", 1, false),
	)

	child := event.NewFromParent(parent, "StockReserved", "inventory-service", "order-9", nil, 2)

	assert.NotEqual(t, parent.EventID, child.EventID)
	assert.Equal(t, "corr-x", child.CorrelationID)
	require.NotNil(t, child.Saga)
	assert.Equal(t, "saga-2", child.Saga.SagaID)
	assert.Equal(t, 2, child.Saga.StepNumber)
}

func TestNewFromParentWithoutSaga(t *testing.T) {
	parent := event.New("PriceChanged", "catalog-service", "sku-1", nil)
	child := event.NewFromParent(parent, "CacheInvalidated", "catalog-service", "sku-1", nil, 0)

	assert.Equal(t, parent.CorrelationID, child.CorrelationID)
	assert.Nil(t, child.Saga)
}
