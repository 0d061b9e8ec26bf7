package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/Thomazoide/av-monitor/pkg/config"
	"github.com/Thomazoide/av-monitor/pkg/models"
)

var ErrMQTTTimeout = errors.New("mqtt operation timed out")

// ClientSource subscribes to sighting topics on an existing MQTT broker.
// Losing the broker connection is reported to the scan as a discovery
// fault; reconnecting is left to whoever restarts the scan.
type ClientSource struct {
	url            string
	clientID       string
	username       string
	password       string
	connectTimeout time.Duration
	topics         []string
	qos            byte
	now            func() time.Time
	log            *slog.Logger

	mu     sync.Mutex
	client paho.Client
}

func NewClientSource(cfg config.DiscoverySettings, logger *slog.Logger) *ClientSource {
	if logger == nil {
		logger = slog.Default()
	}
	clientID := cfg.Client.ClientID
	if clientID == "" {
		clientID = "av-monitor-" + uuid.NewString()[:8]
	}
	timeout := cfg.Client.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ClientSource{
		url:            cfg.Client.URL,
		clientID:       clientID,
		username:       cfg.Client.Username,
		password:       cfg.Client.Password,
		connectTimeout: timeout,
		topics:         cfg.Topics,
		qos:            cfg.QoS,
		now:            time.Now,
		log:            logger.With("component", "mqtt-client"),
	}
}

func (c *ClientSource) StartScan(ctx context.Context, handle func(models.Sighting, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return ErrSourceStarted
	}

	opts := paho.NewClientOptions().
		AddBroker(c.url).
		SetClientID(c.clientID).
		SetUsername(c.username).
		SetPassword(c.password).
		SetAutoReconnect(false).
		SetConnectTimeout(c.connectTimeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.log.Error("connection to broker lost", "broker", c.url, "error", err)
			handle(models.Sighting{}, fmt.Errorf("mqtt connection lost: %w", err))
		})

	client := paho.NewClient(opts)
	if err := wait(client.Connect(), c.connectTimeout); err != nil {
		return fmt.Errorf("connect %s: %w", c.url, err)
	}

	filters := make(map[string]byte, len(c.topics))
	for _, t := range c.topics {
		filters[t] = c.qos
	}
	onMessage := func(_ paho.Client, m paho.Message) {
		sightings, err := ParseSightings(m.Payload(), c.now())
		if err != nil {
			c.log.Warn("discarding message", "topic", m.Topic(), "error", err)
			return
		}
		for _, s := range sightings {
			handle(s, nil)
		}
	}
	if err := wait(client.SubscribeMultiple(filters, onMessage), c.connectTimeout); err != nil {
		client.Disconnect(250)
		return fmt.Errorf("subscribe %v: %w", c.topics, err)
	}

	c.client = client
	c.log.Info("subscribed to broker", "broker", c.url, "client", c.clientID, "topics", c.topics)
	return nil
}

func (c *ClientSource) StopScan() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	var err error
	if client.IsConnectionOpen() {
		err = wait(client.Unsubscribe(c.topics...), c.connectTimeout)
	}
	client.Disconnect(250)
	return err
}

func wait(tok paho.Token, timeout time.Duration) error {
	if !tok.WaitTimeout(timeout) {
		return ErrMQTTTimeout
	}
	return tok.Error()
}
