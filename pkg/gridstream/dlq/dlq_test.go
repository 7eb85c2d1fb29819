package dlq_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridstream/gridstream/pkg/gridstream/dlq"
	"github.com/gridstream/gridstream/pkg/gridstream/grid"
	"github.com/gridstream/gridstream/pkg/gridstream/outbox"
)

func newQueue(t *testing.T) (*dlq.Queue, *grid.Local) {
	t.Helper()
	g := grid.NewLocal()
	q := dlq.New(g.Map("dead-letters"),
		func(topicName string) grid.Topic { return g.Topic(topicName) },
		"order-service", dlq.DefaultConfig, nil, nil)
	return q, g
}

func TestAddAndGet(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	e := &dlq.Entry{
		OriginalEventID: "evt-1",
		EventType:       "OrderCreated",
		TopicName:       "OrderCreated",
		EventRecord:     []byte(`{"n":1}`),
		FailureReason:   "handler panicked",
		SagaID:          "saga-1",
		CorrelationID:   "corr-1",
	}
	require.NoError(t, q.Add(ctx, e))
	require.NotEmpty(t, e.DLQID, "Add assigns the DLQ ID")

	got, err := q.Get(ctx, e.DLQID)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", got.OriginalEventID)
	assert.Equal(t, dlq.StatusPending, got.Status)
	assert.Equal(t, "order-service", got.SourceService)
	assert.Equal(t, "saga-1", got.SagaID)
	assert.False(t, got.FailureAt.IsZero())

	_, err = q.Get(ctx, "ghost")
	assert.ErrorIs(t, err, dlq.ErrEntryNotFound)
}

func TestListFiltersAndOrders(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"evt-b", "evt-a"} {
		require.NoError(t, q.Add(ctx, &dlq.Entry{
			OriginalEventID: id,
			EventType:       "E",
			FailureAt:       base.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, err := q.List(ctx, dlq.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "evt-b", entries[0].OriginalEventID, "oldest failure first")

	replayed, err := q.List(ctx, dlq.StatusReplayed, 0)
	require.NoError(t, err)
	assert.Empty(t, replayed)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestReplaySuccess(t *testing.T) {
	q, g := newQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got [][]byte
	cancel, err := g.Topic("OrderCreated").Subscribe(ctx, func(_ context.Context, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, payload)
	})
	require.NoError(t, err)
	defer cancel()

	e := &dlq.Entry{
		OriginalEventID: "evt-1",
		EventType:       "OrderCreated",
		TopicName:       "OrderCreated",
		EventRecord:     []byte(`{"n":1}`),
	}
	require.NoError(t, q.Add(ctx, e))
	require.NoError(t, q.Replay(ctx, e.DLQID))

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, []byte(`{"n":1}`), got[0])
	mu.Unlock()

	got2, err := q.Get(ctx, e.DLQID)
	require.NoError(t, err)
	assert.Equal(t, dlq.StatusReplayed, got2.Status)
	assert.Equal(t, 1, got2.ReplayCount)

	// A replayed entry cannot be replayed again.
	assert.ErrorIs(t, q.Replay(ctx, e.DLQID), dlq.ErrEntryNotReplayable)
}

func TestReplayBudgetExhausted(t *testing.T) {
	g := grid.NewLocal()
	q := dlq.New(g.Map("dead-letters"),
		func(string) grid.Topic { return g.Topic("t") },
		"svc", dlq.Config{MaxReplayAttempts: 2}, nil, nil)
	ctx := context.Background()

	e := &dlq.Entry{OriginalEventID: "evt-1", EventType: "E", TopicName: "t", ReplayCount: 2}
	require.NoError(t, q.Add(ctx, e))

	assert.ErrorIs(t, q.Replay(ctx, e.DLQID), dlq.ErrReplayExhausted)
}

func TestDiscard(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	e := &dlq.Entry{OriginalEventID: "evt-1", EventType: "E"}
	require.NoError(t, q.Add(ctx, e))
	require.NoError(t, q.Discard(ctx, e.DLQID, "not worth replaying"))

	got, err := q.Get(ctx, e.DLQID)
	require.NoError(t, err)
	assert.Equal(t, dlq.StatusDiscarded, got.Status)
	assert.Equal(t, "not worth replaying", got.FailureReason)

	assert.ErrorIs(t, q.Replay(ctx, e.DLQID), dlq.ErrEntryNotReplayable)
}

func TestCaptureUndeliverable(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	require.NoError(t, q.CaptureUndeliverable(ctx, &outbox.Entry{
		EventID:     "evt-1",
		EventType:   "OrderCreated",
		EventRecord: []byte(`{"n":1}`),
	}, "retries exhausted"))

	entries, err := q.List(ctx, dlq.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "evt-1", entries[0].OriginalEventID)
	assert.Equal(t, "OrderCreated", entries[0].TopicName, "topic is preserved for replay")
	assert.Equal(t, "retries exhausted", entries[0].FailureReason)
}
