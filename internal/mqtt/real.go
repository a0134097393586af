package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// ClientConfig configures a RealClient.
type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// WillTopic, if set, receives WillPayload (retained) when the
	// connection drops uncleanly.
	WillTopic   string
	WillPayload []byte
	// BufferSize is how many publishes are held while offline. Zero
	// disables buffering.
	BufferSize int
}

type subscription struct {
	qos     byte
	handler Handler
}

// RealClient talks to an actual MQTT broker. Subscriptions are re-applied
// after every reconnect and buffered publishes are replayed.
type RealClient struct {
	client paho.Client
	log    *log.Logger

	// Inbound messages are handed from paho's router to a single
	// dispatcher so every light sees its reports in arrival order.
	dispatch *dispatcher

	mu     sync.Mutex
	subs   map[string]subscription
	buffer *ringBuffer
}

// NewRealClient connects to the broker. If the broker is unreachable the
// client keeps retrying in the background and NewRealClient returns
// without error once the first attempt times out.
func NewRealClient(cfg ClientConfig, l *log.Logger) (*RealClient, error) {
	c := &RealClient{
		log:      l,
		subs:     make(map[string]subscription),
		dispatch: newDispatcher(),
	}
	if cfg.BufferSize > 0 {
		c.buffer = newRingBuffer(cfg.BufferSize)
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		// The router only enqueues; handlers run on the dispatcher.
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			l.WithError(err).Warn("mqtt connection lost")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	if cfg.WillTopic != "" {
		opts.SetBinaryWill(cfg.WillTopic, cfg.WillPayload, 1, true)
	}

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		l.WithField("broker", cfg.Broker).Warn("mqtt broker not reachable yet, retrying in background")
		return c, nil
	}
	if err := token.Error(); err != nil {
		c.dispatch.stop()
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return c, nil
}

func (c *RealClient) onConnect(client paho.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for f, s := range c.subs {
		subs[f] = s
	}
	var pending []bufferedMsg
	var dropped int
	if c.buffer != nil {
		pending, dropped = c.buffer.drainAll()
	}
	c.mu.Unlock()

	c.log.WithFields(log.Fields{"subscriptions": len(subs), "buffered": len(pending), "dropped": dropped}).Info("mqtt connected")

	for filter, s := range subs {
		client.Subscribe(filter, s.qos, c.wrap(s.handler))
	}
	for _, m := range pending {
		client.Publish(m.topic, m.qos, m.retained, m.payload)
	}
}

func (c *RealClient) wrap(h Handler) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		msg := Message{Topic: m.Topic(), Payload: m.Payload(), Retained: m.Retained()}
		c.dispatch.enqueue(func() { h(msg) })
	}
}

// Publish sends payload, or buffers it while disconnected.
func (c *RealClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.buffer == nil {
			return ErrNotConnected
		}
		if c.buffer.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained}) {
			c.log.WithField("capacity", c.buffer.capacity).Debug("mqtt buffer full, dropped oldest message")
		}
		return nil
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe registers h for filter. When offline the subscription is
// applied on the next connect.
func (c *RealClient) Subscribe(filter string, qos byte, h Handler) error {
	c.mu.Lock()
	c.subs[filter] = subscription{qos: qos, handler: h}
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	token := c.client.Subscribe(filter, qos, c.wrap(h))
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *RealClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the broker and stops delivering messages.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000)
	c.dispatch.stop()
	return nil
}
