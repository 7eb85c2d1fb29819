package controller_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridstream/gridstream/pkg/gridstream/controller"
	gserrors "github.com/gridstream/gridstream/pkg/gridstream/errors"
	"github.com/gridstream/gridstream/pkg/gridstream/event"
	"github.com/gridstream/gridstream/pkg/gridstream/grid"
	"github.com/gridstream/gridstream/pkg/gridstream/pipeline"
	"github.com/gridstream/gridstream/pkg/gridstream/store"
)

// harness wires a controller to a real pipeline over one embedded grid.
type harness struct {
	grid *grid.Local
	ctrl *controller.Controller
	pipe *pipeline.Pipeline
}

func newHarness(t *testing.T, cfg controller.Config) *harness {
	t.Helper()
	g := grid.NewLocal()
	pending := g.Map("pending")
	completions := g.Map("completions")
	events := store.NewEventStore(g.Map("events"), g.IDGenerator())
	bus := event.NewBus(event.DefaultBusConfig)
	t.Cleanup(func() { _ = bus.Close() })

	h := &harness{
		grid: g,
		ctrl: controller.New(pending, completions, g.IDGenerator(), cfg, nil, nil),
		pipe: pipeline.New(pending, completions, events, nil, bus, nil, nil,
			pipeline.Config{Workers: 2}, nil, nil),
	}
	t.Cleanup(h.ctrl.Close)
	return h
}

func TestHandleResolvesFuture(t *testing.T) {
	h := newHarness(t, controller.Config{})
	ctx := context.Background()
	h.pipe.Start(ctx)
	defer h.pipe.Stop()

	env := event.New("OrderCreated", "order-service", "", event.Record{"n": 1})
	f, err := h.ctrl.Handle(ctx, "order-1", env)
	require.NoError(t, err)
	assert.Equal(t, "order-1", env.EntityKey, "Handle stamps the entity key")
	assert.False(t, env.SubmittedAt.IsZero())

	comp, err := f.Get(ctx)
	require.NoError(t, err)
	assert.True(t, comp.Success)
	assert.Equal(t, env.EventID, comp.EventID)

	// The resolved record is claimed from the completion map.
	assert.Eventually(t, func() bool {
		_, ok, err := h.grid.Map("completions").Get(ctx, env.EventID)
		return err == nil && !ok
	}, time.Second, 5*time.Millisecond)
}

func TestHandleAndWait(t *testing.T) {
	h := newHarness(t, controller.Config{})
	ctx := context.Background()
	h.pipe.Start(ctx)
	defer h.pipe.Stop()

	comp, err := h.ctrl.HandleAndWait(ctx, "order-1",
		event.New("OrderCreated", "order-service", "", event.Record{"n": 1}))
	require.NoError(t, err)
	assert.True(t, comp.Success)
}

func TestFutureGetTimesOutWithoutPipeline(t *testing.T) {
	// No pipeline running: the pending entry is never drained.
	h := newHarness(t, controller.Config{DefaultTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	f, err := h.ctrl.Handle(ctx, "order-1",
		event.New("OrderCreated", "order-service", "", nil))
	require.NoError(t, err)

	_, err = f.Get(ctx)
	var timeout *gserrors.TimeoutError
	require.ErrorAs(t, err, &timeout)

	// The submission itself is not withdrawn by the timed-out wait.
	size, err := h.grid.Map("pending").Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestFutureGetHonorsContextCancel(t *testing.T) {
	h := newHarness(t, controller.Config{})
	ctx, cancel := context.WithCancel(context.Background())

	f, err := h.ctrl.Handle(ctx, "order-1",
		event.New("OrderCreated", "order-service", "", nil))
	require.NoError(t, err)

	cancel()
	_, err = f.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFutureDoneSelect(t *testing.T) {
	h := newHarness(t, controller.Config{})
	ctx := context.Background()
	h.pipe.Start(ctx)
	defer h.pipe.Stop()

	f, err := h.ctrl.Handle(ctx, "order-1",
		event.New("OrderCreated", "order-service", "", nil))
	require.NoError(t, err)

	select {
	case comp := <-f.Done():
		assert.True(t, comp.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("future never resolved")
	}
}

func TestCorrelationDefaultsToEventID(t *testing.T) {
	h := newHarness(t, controller.Config{})
	ctx := context.Background()

	env := &event.Envelope{EventType: "OrderCreated", SourceService: "order-service"}
	_, err := h.ctrl.Handle(ctx, "order-1", env)
	require.NoError(t, err)
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, env.EventID, env.CorrelationID)
}
