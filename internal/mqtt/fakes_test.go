package mqtt

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err      error
	timedOut bool
}

func (t *fakeToken) Wait() bool                     { return !t.timedOut }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timedOut }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.timedOut {
		close(ch)
	}
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type publication struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient implements the parts of mqtt.Client the publisher and
// subscriber use. Calling anything else panics on the nil embedded client.
type fakeClient struct {
	mqtt.Client

	mu            sync.Mutex
	disconnected  bool
	publishErr    error
	publishHangs  bool
	subscribeErr  error
	subscribes    int
	published     []publication
	subscriptions map[string]mqtt.MessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{subscriptions: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.disconnected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.publishHangs {
		return &fakeToken{timedOut: true}
	}
	if c.publishErr != nil {
		return &fakeToken{err: c.publishErr}
	}

	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	c.published = append(c.published, publication{topic: topic, retained: retained, payload: data})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscribes++
	if c.subscribeErr != nil {
		return &fakeToken{err: c.subscribeErr}
	}
	// Like the broker, a repeat subscription replaces the handler.
	c.subscriptions[topic] = callback
	return &fakeToken{}
}

func (c *fakeClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = !connected
}

// dropSession forgets all subscriptions, as a clean-session reconnect does.
func (c *fakeClient) dropSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = make(map[string]mqtt.MessageHandler)
}

func (c *fakeClient) subscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

func (c *fakeClient) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[topic]
	return ok
}

func (c *fakeClient) publications() []publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publication(nil), c.published...)
}

// deliver invokes the handler subscribed under pattern.
func (c *fakeClient) deliver(pattern, topic string, payload string) {
	c.mu.Lock()
	handler := c.subscriptions[pattern]
	c.mu.Unlock()

	handler(c, &fakeMessage{topic: topic, payload: []byte(payload)})
}
