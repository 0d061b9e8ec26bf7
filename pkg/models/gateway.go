package models

import (
	"net"
	"time"
)

// GatewayDirectory exposes the BLE gateways currently connected to the
// embedded broker.
type GatewayDirectory interface {
	GetGateways() []*GatewayDetails
}

// GatewayDetails describes an MQTT client publishing sightings.
type GatewayDetails struct {
	ClientID    string    `json:"clientId"`
	UserName    string    `json:"userName,omitempty"`
	Address     string    `json:"address"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastPublish time.Time `json:"lastPublish,omitempty"`
	Sightings   uint64    `json:"sightings"`
}

// GetIPAddress strips the port from the remote address.
func (g *GatewayDetails) GetIPAddress() (string, error) {
	host, _, err := net.SplitHostPort(g.Address)
	if err != nil {
		return g.Address, err
	}
	return host, nil
}
