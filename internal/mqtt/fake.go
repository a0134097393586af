package mqtt

import (
	"sync"
)

// Published is a message recorded by FakeClient.
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// FakeClient is an in-memory broker for tests. Deliver routes a message to
// every matching subscription, synchronously.
type FakeClient struct {
	mu sync.Mutex

	// Messages contains everything that was published, in order.
	Messages []Published

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	subs map[string]Handler
}

// NewFakeClient creates a connected FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{Connected: true, subs: make(map[string]Handler)}
}

// Publish records the message.
func (f *FakeClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Messages = append(f.Messages, Published{Topic: topic, QoS: qos, Retained: retained, Payload: payload})
	return nil
}

// Subscribe records the handler.
func (f *FakeClient) Subscribe(filter string, _ byte, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[filter] = h
	return nil
}

// Deliver sends a message to every subscription whose filter matches topic.
func (f *FakeClient) Deliver(topic string, payload []byte, retained bool) {
	f.mu.Lock()
	var handlers []Handler
	for filter, h := range f.subs {
		if Match(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(Message{Topic: topic, Payload: payload, Retained: retained})
	}
}

// Subscribed reports whether filter has a handler.
func (f *FakeClient) Subscribed(filter string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[filter]
	return ok
}

// On returns the messages published to topic.
func (f *FakeClient) On(topic string) []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Published
	for _, m := range f.Messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// IsConnected reports whether the fake client is "connected".
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Close marks the client as closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Reset clears recorded messages.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = nil
	f.PublishError = nil
}
