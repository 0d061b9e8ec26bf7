package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/Thomazoide/av-monitor/pkg/config"
	"github.com/Thomazoide/av-monitor/pkg/models"
)

var ErrSourceStarted = errors.New("discovery source already started")

// BrokerSource runs an embedded MQTT broker that BLE gateways publish their
// sightings to. The broker keeps serving between scans so gateways stay
// connected; stopping a scan only detaches the sighting handler.
type BrokerSource struct {
	server   *mqtt.Server
	hook     *SightingHook
	listener *listeners.TCP
	log      *slog.Logger

	mu       sync.Mutex
	serving  bool
	scanning bool
}

func NewBrokerSource(cfg config.DiscoverySettings, logger *slog.Logger) (*BrokerSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "broker")

	server := mqtt.New(&mqtt.Options{Logger: logger})
	hook := new(SightingHook)
	err := server.AddHook(hook, &SightingHookOptions{
		Topics:       cfg.Topics,
		AllowedUsers: cfg.Broker.AllowedUsers,
		Credentials:  cfg.Broker.Credentials,
	})
	if err != nil {
		return nil, fmt.Errorf("add sighting hook: %w", err)
	}

	return &BrokerSource{
		server:   server,
		hook:     hook,
		listener: listeners.NewTCP(listeners.Config{ID: "gateways", Address: cfg.Broker.ListenAddr}),
		log:      logger,
	}, nil
}

// StartScan begins forwarding sightings to handle, starting the broker on
// first use.
func (b *BrokerSource) StartScan(ctx context.Context, handle func(models.Sighting, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.scanning {
		return ErrSourceStarted
	}
	if !b.serving {
		if err := b.server.AddListener(b.listener); err != nil {
			return fmt.Errorf("listen %s: %w", b.listener.Address(), err)
		}
		if err := b.server.Serve(); err != nil {
			return fmt.Errorf("serve mqtt: %w", err)
		}
		b.serving = true
		b.log.Info("broker listening", "address", b.listener.Address())
	}

	b.hook.SetHandler(handle)
	b.scanning = true
	return nil
}

// StopScan detaches the sighting handler. It is safe to call repeatedly.
func (b *BrokerSource) StopScan() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook.SetHandler(nil)
	b.scanning = false
	return nil
}

// Gateways exposes the currently connected gateways.
func (b *BrokerSource) Gateways() models.GatewayDirectory {
	return b.hook
}

// Addr returns the address the broker listens on.
func (b *BrokerSource) Addr() string {
	return b.listener.Address()
}

// Close shuts the broker down.
func (b *BrokerSource) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook.SetHandler(nil)
	b.scanning = false
	if !b.serving {
		return nil
	}
	b.serving = false
	return b.server.Close()
}
