// Package mqttbridge is a batch-ingestion path for wearables that
// buffer readings locally and flush them over MQTT when connectivity
// returns, rather than holding a live connhub socket the whole time.
// It feeds the same buffering/inference pipeline the connection plane
// feeds — a supplemental ingress, not a replacement for it, and not a
// durable queue between components.
package mqttbridge

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Reading is one buffered vitals sample a device flushes after
// reconnecting, matching the live-socket MsgHealthData payload shape so
// it can be fed through the same ingestion path.
type Reading struct {
	DeviceID  string  `json:"device_id"`
	HeartRate float64 `json:"heart_rate"`
	HRV       float64 `json:"hrv"`
	Timestamp int64   `json:"timestamp"`
}

// Batch is the payload published to the bridge's batch topic.
type Batch struct {
	DeviceID string    `json:"device_id"`
	Readings []Reading `json:"readings"`
}

// BatchHandler processes one flushed batch of buffered readings.
type BatchHandler func(batch Batch)

// Options configures a Client.
type Options struct {
	BrokerURL string
	ClientID  string
	Topic     string // e.g. "vitalguard/+/batch", device id in the wildcard segment
	Username  string
	Password  string
	Log       zerolog.Logger
}

// Client is the MQTT batch-ingestion bridge.
type Client struct {
	conn      mqtt.Client
	topic     string
	connected atomic.Bool
	log       zerolog.Logger
	handler   BatchHandler
}

// Connect dials the broker and subscribes once connected. The client
// re-subscribes automatically on every reconnect.
func Connect(opts Options) (*Client, error) {
	c := &Client{topic: opts.Topic, log: opts.Log}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetBatchHandler registers the callback invoked for each decoded batch.
func (c *Client) SetBatchHandler(h BatchHandler) {
	c.handler = h
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("topic", c.topic).Msg("mqtt bridge connected, subscribing")

	token := client.Subscribe(c.topic, 1, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt bridge subscribe failed")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt bridge connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID := deviceIDFromTopic(msg.Topic())

	var batch Batch
	if err := json.Unmarshal(msg.Payload(), &batch); err != nil {
		c.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("discarding malformed mqtt batch")
		return
	}
	if batch.DeviceID == "" {
		batch.DeviceID = deviceID
	}

	if c.handler != nil {
		c.handler(batch)
		return
	}
	c.log.Debug().Str("device_id", batch.DeviceID).Int("readings", len(batch.Readings)).Msg("mqtt batch received, no handler registered")
}

// deviceIDFromTopic extracts the device id from a topic of shape
// "vitalguard/<device_id>/batch".
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		if p == "vitalguard" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return ""
}

// IsConnected reports the broker connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt bridge")
	c.conn.Disconnect(1000)
}
