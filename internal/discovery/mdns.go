package discovery

import (
	"fmt"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service type boards browse for when they
	// look for a relay server on the local network
	ServiceType = "_boardlink._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."
)

// Advertiser keeps an mDNS registration alive for the lifetime of the
// server.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the relay service on the local network. instance is
// the human-readable service name, port is the listener port, txt carries
// "key=value" metadata records.
func Advertise(instance string, port int, txt []string) (*Advertiser, error) {
	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() {
	if a.server != nil {
		a.server.Shutdown()
	}
}

// TXTRecords builds the metadata records advertised with the service.
func TXTRecords(version string, tokenAuth bool) []string {
	records := []string{
		"version=" + version,
		"proto=boardlink-binary",
	}
	if tokenAuth {
		records = append(records, "auth=token")
	}
	return records
}
