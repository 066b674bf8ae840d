package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType names what happened
type EventType string

const (
	EventSiteStatusChanged  EventType = "site.status_changed"
	EventSiteArchived       EventType = "site.archived"
	EventSiteSuspended      EventType = "site.suspended"
	EventSiteUnsuspended    EventType = "site.unsuspended"
	EventUpdateFatal        EventType = "update.fatal"
	EventUpdateRecovered    EventType = "update.recovered"
	EventBackupFailed       EventType = "backup.failed"
	EventJobDeliveryFailed  EventType = "job.delivery_failed"
	EventCertificateRenewed EventType = "certificate.renewed"
	EventCertificateFailed  EventType = "certificate.failed"
)

const (
	queueSize      = 100
	subscriberSize = 50
)

// Event is something that happened to a press record. Metadata["subject"]
// is the record's name.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// NewEvent builds an event about the named record
func NewEvent(eventType EventType, subject string, message string) *Event {
	return &Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Message:  message,
		Metadata: map[string]string{"subject": subject},
	}
}

// Subscriber receives events until it is unsubscribed, which closes it
type Subscriber chan *Event

// Broker fans published events out to subscribers. Publishing never blocks:
// a full queue or a full subscriber drops the event.
type Broker struct {
	queue chan *Event
	done  chan struct{}

	mu   sync.RWMutex
	subs map[Subscriber]struct{}
}

// NewBroker creates a broker. Nothing is delivered until Start.
func NewBroker() *Broker {
	return &Broker{
		queue: make(chan *Event, queueSize),
		done:  make(chan struct{}),
		subs:  make(map[Subscriber]struct{}),
	}
}

// Start runs the fan-out loop until Stop
func (b *Broker) Start() {
	go func() {
		for {
			select {
			case event := <-b.queue:
				b.deliver(event)
			case <-b.done:
				return
			}
		}
	}()
}

// Stop ends the fan-out loop. It must be called once.
func (b *Broker) Stop() {
	close(b.done)
}

// Subscribe returns a new buffered subscription
func (b *Broker) Subscribe() Subscriber {
	sub := make(Subscriber, subscriberSize)
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe drops sub and closes it
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub)
	}
}

// Publish queues event for delivery. A nil broker discards it.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.queue <- event:
	case <-b.done:
	default:
	}
}

func (b *Broker) deliver(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

// Journal logs every event received on sub until it is unsubscribed
func Journal(sub Subscriber, logger zerolog.Logger) {
	for event := range sub {
		logger.Info().
			Str("event", string(event.Type)).
			Str("subject", event.Metadata["subject"]).
			Msg(event.Message)
	}
}
