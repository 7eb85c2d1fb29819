package outbox

import (
	"context"
	"time"

	"github.com/gridstream/gridstream/pkg/gridstream/event"
	"github.com/gridstream/gridstream/pkg/gridstream/observability"
)

// Emitter enqueues envelopes for guaranteed cross-cluster delivery.
// Saga listeners and the pipeline's completion stage emit through this
// rather than publishing to topics directly.
type Emitter struct {
	store   Store
	metrics observability.Recorder
}

// NewEmitter creates an emitter over the given store.
func NewEmitter(store Store, metrics observability.Recorder) *Emitter {
	if metrics == nil {
		metrics = observability.Noop{}
	}
	return &Emitter{store: store, metrics: metrics}
}

// Emit writes the envelope to the outbox as a PENDING entry. The publisher
// delivers it on its next pass.
func (em *Emitter) Emit(ctx context.Context, env *event.Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := em.store.Write(ctx, &Entry{
		EventID:     env.EventID,
		EventType:   env.EventType,
		EventRecord: payload,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return err
	}
	em.metrics.OutboxWritten(ctx)
	return nil
}
