package mqttclient

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Options struct {
	BrokerURL      string
	ClientID       string
	ConnectTimeout time.Duration
}

type Client struct {
	raw    mqtt.Client
	broker string
}

// New connects to the broker. The client reconnects on its own after a
// lost connection.
func New(opts Options) (*Client, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	o.SetConnectTimeout(opts.ConnectTimeout)
	c := mqtt.NewClient(o)

	token := c.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		c.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: timed out after %s", opts.BrokerURL, opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.BrokerURL, err)
	}
	return &Client{raw: c, broker: opts.BrokerURL}, nil
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	token := c.raw.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

func (c *Client) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	token := c.raw.Subscribe(topic, qos, handler)
	token.Wait()
	return token.Error()
}

func (c *Client) Close() {
	c.raw.Disconnect(250)
}

func (c *Client) String() string {
	return fmt.Sprintf("MQTTClient(%s)", c.broker)
}
