// Package notify delivers toast-style notifications about session outcomes.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/enrich/internal/log"
	"github.com/zjrosen/enrich/internal/pubsub"
)

// Level is the severity of a notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelDanger  Level = "danger"
)

// Notification is one fire-and-forget message for the user.
type Notification struct {
	ID     string    `json:"id" yaml:"id"`
	Level  Level     `json:"level" yaml:"level"`
	Title  string    `json:"title" yaml:"title"`
	Text   string    `json:"text,omitempty" yaml:"text,omitempty"`
	Stream string    `json:"stream,omitempty" yaml:"stream,omitempty"`
	Time   time.Time `json:"time" yaml:"time"`
}

// Sink receives notifications. Notify must not block.
type Sink interface {
	Notify(n Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Notification)

func (f SinkFunc) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Sink = SinkFunc(func(Notification) {})

// BrokerSink fans notifications out to subscribers.
type BrokerSink struct {
	broker *pubsub.Broker[Notification]
	now    func() time.Time
}

var _ pubsub.Subscriber[Notification] = (*BrokerSink)(nil)

// NewBrokerSink creates a sink backed by a pubsub broker.
func NewBrokerSink() *BrokerSink {
	return &BrokerSink{broker: pubsub.NewBroker[Notification](), now: time.Now}
}

// Notify fills in the id and timestamp when missing and publishes n.
func (s *BrokerSink) Notify(n Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Time.IsZero() {
		n.Time = s.now()
	}
	log.Debug(log.CatUpsert, "notification", "level", n.Level, "title", n.Title, "stream", n.Stream)
	s.broker.Publish(pubsub.NotifiedEvent, n)
}

// Subscribe returns a channel of notifications until ctx is done.
func (s *BrokerSink) Subscribe(ctx context.Context) <-chan pubsub.Event[Notification] {
	return s.broker.Subscribe(ctx)
}

// Close closes all subscriptions.
func (s *BrokerSink) Close() {
	s.broker.Close()
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu  sync.Mutex
	all []Notification
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, n)
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.all...)
}
