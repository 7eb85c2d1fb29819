// Package gridstream is an event-sourcing runtime for services backed by a
// distributed in-memory data grid.
//
// A Service owns an embedded grid for its private state (the pending
// journal, the event store, materialized views, completion records) and
// optionally connects to a shared Redis-backed grid for cross-service
// state (saga progress, dead letters, the idempotency guard, pub/sub
// topics).
//
// Submitted events flow through a four-stage pipeline: persist to the
// append-only event store, apply to views, publish to subscribers, and
// record completion. Events for one entity are processed strictly in
// submission order; events for different entities run in parallel.
// Submitters receive a future that resolves to the event's completion
// record.
//
// Cross-service workflows run as sagas, either choreographed (services
// react to each other's events) or orchestrated (a coordinator drives the
// steps), with compensation in reverse order when a step fails and a
// scanner that times out sagas stuck past their deadline.
//
// The minimal setup:
//
//	svc, err := gridstream.NewService("order-service")
//	if err != nil { ... }
//	svc.Start(ctx)
//	defer svc.Stop()
//
//	fut, err := svc.Handle(ctx, "order-1001",
//		event.New("OrderCreated", "order-service", "order-1001",
//			event.Record{"total": 42.50}))
//	rec, err := fut.Get(ctx)
package gridstream
