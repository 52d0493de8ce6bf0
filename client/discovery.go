package client

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/mdns"
)

// DiscoveredEndpoint represents a sync authority found via mDNS.
type DiscoveredEndpoint struct {
	ServiceName string
	Address     string
	Port        int
	Transport   string // "tcp" or "websocket"
	TXTRecords  []string
}

// Endpoint returns the address in the form the matching transport's
// Connect expects.
func (d *DiscoveredEndpoint) Endpoint() string {
	if d.Transport == "websocket" {
		return fmt.Sprintf("ws://%s:%d/", d.Address, d.Port)
	}
	return fmt.Sprintf("%s:%d", d.Address, d.Port)
}

// discoverService discovers a specific authority service type using mDNS
func discoverService(serviceType string, timeout time.Duration) (*DiscoveredEndpoint, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)

	// Start discovery in background
	go func() {
		defer close(entriesCh)
		mdns.Lookup(serviceType, entriesCh)
	}()

	// Wait for first result or timeout
	select {
	case entry := <-entriesCh:
		if entry == nil {
			return nil, fmt.Errorf("no %s service found", serviceType)
		}

		var address string
		if entry.AddrV4 != nil {
			address = entry.AddrV4.String()
		} else if entry.AddrV6 != nil {
			address = fmt.Sprintf("[%s]", entry.AddrV6.String())
		} else {
			return nil, fmt.Errorf("no valid address found for service")
		}

		var transport string
		if serviceType == "_mindlink-tcp._tcp" {
			transport = "tcp"
		} else if serviceType == "_mindlink-ws._tcp" {
			transport = "websocket"
		}

		endpoint := &DiscoveredEndpoint{
			ServiceName: entry.Name,
			Address:     address,
			Port:        entry.Port,
			Transport:   transport,
			TXTRecords:  entry.InfoFields,
		}

		slog.Info("Discovered sync authority",
			"service_name", endpoint.ServiceName,
			"address", endpoint.Address,
			"port", endpoint.Port,
			"transport", endpoint.Transport,
		)

		return endpoint, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("mDNS discovery timeout for %s", serviceType)
	}
}

// DiscoverTCPEndpoint discovers the first available TCP sync authority
func DiscoverTCPEndpoint(timeout time.Duration) (*DiscoveredEndpoint, error) {
	return discoverService("_mindlink-tcp._tcp", timeout)
}

// DiscoverWebSocketEndpoint discovers the first available WebSocket sync authority
func DiscoverWebSocketEndpoint(timeout time.Duration) (*DiscoveredEndpoint, error) {
	return discoverService("_mindlink-ws._tcp", timeout)
}
