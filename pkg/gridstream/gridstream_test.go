package gridstream_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridstream/gridstream/pkg/gridstream"
	"github.com/gridstream/gridstream/pkg/gridstream/config"
	"github.com/gridstream/gridstream/pkg/gridstream/event"
	"github.com/gridstream/gridstream/pkg/gridstream/grid"
	"github.com/gridstream/gridstream/pkg/gridstream/saga"
	"github.com/gridstream/gridstream/pkg/gridstream/store"
)

// orderUpdater folds order events into the order view.
func orderUpdater(old *store.View, rec event.Record) *store.View {
	v := old
	if v == nil {
		v = store.NewView("")
	}
	switch rec.String(event.FieldEventType) {
	case "OrderCreated":
		v.Set("status", "CREATED")
		v.Set("total", rec.Data().Int("total"))
	case "OrderShipped":
		v.Set("status", "SHIPPED")
	}
	return v
}

// newOrderService builds a service whose apply stage projects order views.
func newOrderService(t *testing.T, opts ...gridstream.Option) *gridstream.Service {
	t.Helper()

	var svc *gridstream.Service
	opts = append(opts, gridstream.WithApply(func(ctx context.Context, env *event.Envelope) error {
		_, err := svc.Views().ApplyEvent(ctx, env.EntityKey, env.ToRecord(), "order")
		return err
	}))

	svc, err := gridstream.NewService("order-service", opts...)
	require.NoError(t, err)
	svc.Views().RegisterUpdater("order", orderUpdater)

	svc.Start(context.Background())
	t.Cleanup(svc.Stop)
	return svc
}

func TestServiceEndToEnd(t *testing.T) {
	svc := newOrderService(t)
	ctx := context.Background()

	comp, err := svc.HandleAndWait(ctx, "order-1",
		event.New("OrderCreated", "", "", event.Record{"total": 250}))
	require.NoError(t, err)
	require.True(t, comp.Success)

	comp, err = svc.HandleAndWait(ctx, "order-1",
		event.New("OrderShipped", "", "", nil))
	require.NoError(t, err)
	require.True(t, comp.Success)

	// The view reflects both events in order.
	view, err := svc.Views().Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "SHIPPED", view.String("status"))
	assert.EqualValues(t, 250, view.Get("total"))
	assert.EqualValues(t, 2, view.Version)

	// The full history is queryable.
	history, err := svc.Events().ByEntity(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "OrderCreated", history[0].String(event.FieldEventType))
	assert.Equal(t, "order-service", history[0].String(event.FieldSourceService),
		"submitting service stamps itself as the source")
}

func TestServiceBusSubscribers(t *testing.T) {
	svc := newOrderService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	sub := svc.Bus().Subscribe([]string{"OrderCreated"}, func(_ context.Context, rec event.Record) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, rec.String(event.FieldEntityKey))
		return nil
	})
	defer sub.Unsubscribe()

	_, err := svc.HandleAndWait(ctx, "order-1", event.New("OrderCreated", "", "", nil))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "order-1"
	}, time.Second, 5*time.Millisecond)
}

func TestServiceForwardsSagaEventsThroughOutbox(t *testing.T) {
	cfg, err := config.FromYAML([]byte("outbox:\n  poll-interval: 20ms\n"))
	require.NoError(t, err)
	svc := newOrderService(t, gridstream.WithConfig(cfg))
	ctx := context.Background()

	var mu sync.Mutex
	var got [][]byte
	cancel, err := svc.Topic("StockReserveRequested").Subscribe(ctx, func(_ context.Context, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, payload)
	})
	require.NoError(t, err)
	defer cancel()

	env := event.New("StockReserveRequested", "", "", event.Record{"qty": 1},
		event.WithSaga("saga-1", "order-fulfillment", 1, false))
	comp, err := svc.HandleAndWait(ctx, "order-1", env)
	require.NoError(t, err)
	require.True(t, comp.Success)

	// The outbox publisher picks the event up on its next poll.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServiceSagaTimeoutConfig(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
saga:
  timeout:
    default-deadline: 45s
    by-type:
      order-fulfillment: 2m
`))
	require.NoError(t, err)

	svc, err := gridstream.NewService("order-service", gridstream.WithConfig(cfg))
	require.NoError(t, err)
	defer svc.Stop()

	assert.Equal(t, 2*time.Minute, svc.SagaTimeout("order-fulfillment"))
	assert.Equal(t, 45*time.Second, svc.SagaTimeout("refund"))
}

func TestServiceDisabledComponents(t *testing.T) {
	cfg, err := config.FromYAML([]byte("dlq:\n  enabled: false\nidempotency:\n  enabled: false\n"))
	require.NoError(t, err)

	svc, err := gridstream.NewService("order-service", gridstream.WithConfig(cfg))
	require.NoError(t, err)
	defer svc.Stop()

	assert.Nil(t, svc.DLQ())
	assert.Nil(t, svc.Guard())
	assert.NotNil(t, svc.Resilience())
}

func TestServiceRequiresName(t *testing.T) {
	_, err := gridstream.NewService("")
	assert.Error(t, err)
}

func TestServiceOrchestratedSaga(t *testing.T) {
	done := make(chan *saga.State, 1)
	svc, err := gridstream.NewService("order-service",
		gridstream.WithSagaCallbacks(saga.Callbacks{
			OnCompleted: func(st *saga.State) { done <- st },
		}))
	require.NoError(t, err)
	svc.Start(context.Background())
	defer svc.Stop()

	require.NoError(t, svc.Orchestrator().Register(&saga.Definition{
		Name: "order-fulfillment",
		Steps: []saga.Step{
			{Name: "reserve-stock", Action: func(context.Context, *saga.Context) (*saga.StepResult, error) {
				return &saga.StepResult{Status: saga.StepSuccess}, nil
			}},
			{Name: "charge-payment", Action: func(context.Context, *saga.Context) (*saga.StepResult, error) {
				return &saga.StepResult{Status: saga.StepSuccess}, nil
			}},
		},
	}))

	st, err := svc.Orchestrator().Start(context.Background(), "order-fulfillment", "corr-1", nil)
	require.NoError(t, err)

	select {
	case final := <-done:
		assert.Equal(t, saga.StatusCompleted, final.Status)
		assert.Equal(t, st.SagaID, final.SagaID)
	case <-time.After(2 * time.Second):
		t.Fatal("saga never completed")
	}

	// Saga state is queryable through the shared store.
	got, err := svc.Sagas().Get(context.Background(), st.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, got.Status)
}

func TestServiceTimedOutSagaCompensatesOriginalEntity(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
saga:
  timeout:
    check-interval: 20ms
outbox:
  poll-interval: 20ms
`))
	require.NoError(t, err)
	svc := newOrderService(t, gridstream.WithConfig(cfg))
	ctx := context.Background()

	svc.Choreography().RegisterCompensation("reserve-stock",
		saga.CompensationRoute{EventType: "StockReleaseRequested", Service: "inventory-service"})

	var mu sync.Mutex
	var released []string
	cancel, err := svc.Topic("StockReleaseRequested").Subscribe(ctx, func(_ context.Context, payload []byte) {
		rec, err := event.UnmarshalRecord(payload)
		if err != nil {
			return
		}
		mu.Lock()
		released = append(released, rec.String(event.FieldEntityKey))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	st := saga.NewState("saga-1", "order-fulfillment", "corr-1", 2, 30*time.Millisecond)
	first := event.New("StockReserveRequested", "order-service", "order-1", nil,
		event.WithCorrelationID("corr-1"),
		event.WithSaga("saga-1", "order-fulfillment", 1, false))
	require.NoError(t, svc.Choreography().Start(ctx, st, first))
	_, err = svc.Sagas().RecordStepCompleted(ctx, "saga-1", saga.StepRecord{
		StepNumber: 1, Name: "reserve-stock", Service: "inventory-service",
	})
	require.NoError(t, err)

	// The scanner reaps the expired saga; the undo targets the order the
	// saga was started for, not its correlation ID.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(released) >= 1 && released[0] == "order-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServiceWithSharedGrid(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	shared := grid.NewShared(client, "cluster")

	svc, err := gridstream.NewService("order-service", gridstream.WithSharedGrid(shared))
	require.NoError(t, err)
	svc.Start(context.Background())
	defer svc.Stop()

	ctx := context.Background()
	require.NoError(t, svc.Sagas().Start(ctx,
		saga.NewState("saga-1", "order-fulfillment", "corr-1", 2, time.Minute)))

	// Another service on the same cluster sees the saga.
	other := saga.NewStateStore(shared.Map("saga-state"), nil, nil)
	st, err := other.Get(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusInProgress, st.Status)
}
