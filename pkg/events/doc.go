/*
Package events provides an in-process publish/subscribe broker for press.

Callbacks and workers publish events (a site changed status, an update went
Fatal, a certificate was renewed) and any number of subscribers receive them
on buffered channels. Delivery is best effort: a full subscriber buffer or a
full broker queue drops the event rather than stall the publisher. Nothing in
the control plane depends on an event being seen; the store remains the
source of truth.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go events.Journal(sub, log.WithComponent("events"))
	defer broker.Unsubscribe(sub)

The manager runs exactly this journal, so every event ends up in the log.
*/
package events
