package mqtt

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"vision-edge/internal/logger"
)

// Client owns the hub connection. Subscriptions and publishing live in Subscriber and
// Publisher; anything they set up on the broker is registered again via OnReconnect.
type Client struct {
	client   mqtt.Client
	config   ClientConfig
	log      *logrus.Entry
	mu       sync.Mutex
	connects int
	hooks    []func()
}

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker   string   // e.g. "ssl://myhub.azure-devices.net:8883"
	Identity Identity // module identity, used for the client id when ClientID is empty
	ClientID string
	Username string
	Password string // shared access signature
}

// clientID is "{device_id}/{module_id}" unless set explicitly
func (c ClientConfig) clientID() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return c.Identity.DeviceID + "/" + c.Identity.ModuleID
}

// NewClient connects to the hub. The session is clean, so the broker drops every
// subscription when the connection is lost.
func NewClient(config ClientConfig) (*Client, error) {
	c := &Client{
		config: config,
		log:    logger.Component("mqtt-client").WithField("client_id", config.clientID()),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.clientID())
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetProtocolVersion(4)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetDefaultPublishHandler(c.handleUnrouted)
	opts.SetOnConnectHandler(c.handleConnect)
	opts.SetConnectionLostHandler(c.handleConnectionLost)

	c.client = mqtt.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.log.WithField("broker", config.Broker).Info("Connected to broker")
	return c, nil
}

// OnReconnect registers fn to run every time the connection is re-established
// after a loss. It does not run for the first connection.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
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
	c.log.Info("Disconnected")
}

func (c *Client) handleConnect(mqtt.Client) {
	c.mu.Lock()
	c.connects++
	reconnect := c.connects > 1
	hooks := append([]func(){}, c.hooks...)
	c.mu.Unlock()

	if !reconnect {
		c.log.Info("Connection established")
		return
	}

	c.log.Infof("Connection re-established, restoring %d registrations", len(hooks))
	for _, hook := range hooks {
		hook()
	}
}

func (c *Client) handleConnectionLost(_ mqtt.Client, err error) {
	c.log.WithField("error", err).Warn("Connection lost, reconnecting")
}

func (c *Client) handleUnrouted(_ mqtt.Client, msg mqtt.Message) {
	c.log.Debugf("Unrouted message on topic: %s", msg.Topic())
}

// Resync restores the subscriptions and asks for the full twin again, so desired
// properties changed while the connection was down are applied.
func Resync(sub *Subscriber, pub *Publisher) error {
	if err := sub.SubscribeAll(); err != nil {
		return fmt.Errorf("failed to restore subscriptions: %w", err)
	}
	if err := pub.RequestTwin(); err != nil {
		return fmt.Errorf("failed to request device twin: %w", err)
	}
	return nil
}
