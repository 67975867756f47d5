// Package broker fans live events out to dashboard subscribers on a best-effort basis.
package broker

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"ridertrack/internal/metrics"
)

// TopicLive carries every location update.
const TopicLive = "live"

// EventLocationUpdated is the event type for a newly ingested point.
const EventLocationUpdated = "rider.location.updated"

// CampaignTopic carries the updates of one campaign.
func CampaignTopic(campaignID string) string { return "campaign:" + campaignID }

// Event is one live update. Origin is the client id of the publisher; the
// event is never delivered back to a subscriber with that id.
type Event struct {
	Type   string          `json:"type"`
	Origin string          `json:"origin,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// Subscription is a subscriber's handle. C is closed on Unsubscribe.
type Subscription struct {
	ID       string
	Topic    string
	ClientID string
	C        <-chan Event

	ch      chan Event
	cleanup func()
	once    sync.Once
}

func newSubscription(topic, clientID string, buf int) *Subscription {
	ch := make(chan Event, buf)
	return &Subscription{ID: uuid.NewString(), Topic: topic, ClientID: clientID, C: ch, ch: ch}
}

func (s *Subscription) wants(evt Event) bool {
	return evt.Origin == "" || s.ClientID == "" || evt.Origin != s.ClientID
}

// offer does a non-blocking send; a full buffer drops the event.
func (s *Subscription) offer(evt Event) bool {
	select {
	case s.ch <- evt:
		metrics.FanoutEvents.WithLabelValues("delivered").Inc()
		return true
	default:
		metrics.FanoutEvents.WithLabelValues("dropped").Inc()
		return false
	}
}

func (s *Subscription) close() {
	s.once.Do(func() {
		if s.cleanup != nil {
			s.cleanup()
		}
		close(s.ch)
	})
}

// EventBroker is implemented by the in-memory and Redis brokers.
type EventBroker interface {
	Subscribe(topic, clientID string) *Subscription
	Unsubscribe(sub *Subscription)
	Publish(topic string, evt Event)
}

// Broker is the in-process EventBroker.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{} // topic -> subscribers
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[*Subscription]struct{}{}}
}

func (b *Broker) Subscribe(topic, clientID string) *Subscription {
	sub := newSubscription(topic, clientID, 16)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[*Subscription]struct{}{}
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if m := b.subs[sub.Topic]; m != nil {
		delete(m, sub)
		if len(m) == 0 {
			delete(b.subs, sub.Topic)
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (b *Broker) Publish(topic string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[topic] {
		if !sub.wants(evt) {
			metrics.FanoutEvents.WithLabelValues("skipped_origin").Inc()
			continue
		}
		sub.offer(evt)
	}
}

// Subscribers reports the number of subscribers on a topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}
