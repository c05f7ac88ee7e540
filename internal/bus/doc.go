// Package bus provides the in-process event bus that agents use to talk to
// each other without direct references.
//
// # Delivery
//
// Publish takes a snapshot of the subscribers for a topic and invokes them
// one after another on the publishing goroutine, in subscription order:
//
//	b := bus.New(logger)
//	sub := b.Subscribe(events.TopicNewUserMessage, "coordinator", handle)
//	n, err := b.Publish(ctx, events.TopicNewUserMessage, sessionID, payload)
//
// Handlers subscribed while a publish is in flight only see later events.
// Handlers must return quickly; long work belongs on another goroutine.
//
// # Failure isolation
//
// A handler that returns an error or panics is logged and counted in
// DeliveryErrors; the remaining handlers still run and Publish still
// returns normally.
//
// # Validation
//
// Payloads are checked against the schema in package events before any
// delivery. Rejected payloads are counted separately and never delivered.
package bus
