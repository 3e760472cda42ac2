// Package mqtt connects the backend to the device message bus: telemetry
// subscriptions in, OTA announcements and actuator commands out.
package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Client manages the MQTT connection (low-level connection management only)
// For subscribing and publishing, use Subscriber and Publisher respectively
type Client struct {
	client mqtt.Client
	config ClientConfig
	logger *slog.Logger

	mu        sync.Mutex
	onConnect []func(mqtt.Client)
}

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker        string
	ClientID      string // a random suffix is appended per process
	Username      string
	Password      string
	RetryInterval time.Duration // connect and reconnect interval
	ConnectWait   time.Duration // how long NewClient waits for the first connect
}

// NewClient creates the MQTT client and starts connecting. If the broker
// is not reachable within ConnectWait the client keeps retrying in the
// background every RetryInterval; subscribers registered with OnConnect
// run on every (re)connect.
func NewClient(config ClientConfig, logger *slog.Logger) (*Client, error) {
	if config.RetryInterval <= 0 {
		config.RetryInterval = 2 * time.Second
	}
	if config.ConnectWait <= 0 {
		config.ConnectWait = 5 * time.Second
	}

	c := newClient(nil, config, logger)

	clientID := config.ClientID + "-" + uuid.NewString()[:8]

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetDefaultPublishHandler(c.messagePubHandler)
	opts.SetOnConnectHandler(c.connectHandler)
	opts.SetConnectionLostHandler(c.connectLostHandler)
	opts.SetReconnectingHandler(c.reconnectingHandler)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(config.RetryInterval)
	opts.SetMaxReconnectInterval(config.RetryInterval)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)

	c.client = mqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(config.ConnectWait) {
		c.logger.Warn("broker not reachable yet, retrying in background",
			"broker", config.Broker, "retry_interval", config.RetryInterval)
		return c, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	c.logger.Info("connected to broker", "broker", config.Broker, "client_id", clientID)
	return c, nil
}

// newClient wraps native without connecting. NewClient sets native once
// the options referencing c's handlers are built.
func newClient(native mqtt.Client, config ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		client: native,
		config: config,
		logger: logger.With("component", "mqtt"),
	}
}

// OnConnect registers fn to run on every successful (re)connect. If the
// client is already connected fn also runs immediately.
func (c *Client) OnConnect(fn func(mqtt.Client)) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()

	if c.client.IsConnected() {
		fn(c.client)
	}
}

// GetNativeClient returns the underlying paho MQTT client
// This is used by Subscriber and Publisher
func (c *Client) GetNativeClient() mqtt.Client {
	return c.client
}

// IsConnected returns whether the client is currently connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close closes the MQTT client connection
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.logger.Info("disconnected")
}

// Connection event handlers

func (c *Client) messagePubHandler(client mqtt.Client, msg mqtt.Message) {
	c.logger.Debug("unrouted message", "topic", msg.Topic())
}

func (c *Client) connectHandler(client mqtt.Client) {
	c.logger.Info("connection established")

	c.mu.Lock()
	hooks := append(([]func(mqtt.Client))(nil), c.onConnect...)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(client)
	}
}

func (c *Client) connectLostHandler(client mqtt.Client, err error) {
	c.logger.Warn("connection lost", "error", err)
}

func (c *Client) reconnectingHandler(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info("reconnecting", "broker", c.config.Broker)
}
