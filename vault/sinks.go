package vault

import "context"

// EventSink receives every emitted ledger event. Delivery is best effort:
// a sink must not be able to fail the operation that produced the event.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

// MultiSink fans one event out to several sinks, e.g. the kafka publisher and
// the database journal.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, event Event) {
	for _, sink := range m {
		sink.Publish(ctx, event)
	}
}

// discardSink keeps the services nil-safe in isolated tests.
type discardSink struct{}

func (discardSink) Publish(context.Context, Event) {}

// Mirror persists subscription snapshots after successful mutations. The
// in-memory State stays authoritative; mirror failures are reported, never
// propagated.
type Mirror interface {
	SaveSubscription(ctx context.Context, sub *Subscription) error
}

// Flagger marks swept subscription ids for the downstream notification
// pipeline.
type Flagger interface {
	Flag(value string) error
}
