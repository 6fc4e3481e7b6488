// Package discovery advertises relay instances over mDNS and finds
// them, so clients on the same LAN can join a room without a
// configured relay address.
package discovery

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"
)

// Service is the mDNS service type relays register under.
const Service = "_collabcanvas._tcp"

const domain = "local."

// Relay is one discovered relay instance. URL is the websocket base
// endpoint; append /ws/<room> to join a room.
type Relay struct {
	Instance string
	URL      string
}

// Register advertises a relay on the local network. The returned
// function withdraws the advertisement.
func Register(instance string, port int) (shutdown func(), err error) {
	srv, err := zeroconf.Register(instance, Service, domain, port, []string{"proto=ws"}, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", instance, err)
	}
	return srv.Shutdown, nil
}

// Browse collects relays advertised on the local network until ctx
// ends. It returns whatever it found; an empty slice is not an error.
func Browse(ctx context.Context) ([]Relay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: new resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, domain, entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	var relays []Relay
	for entry := range entries {
		if r, ok := relayFromEntry(entry); ok {
			relays = append(relays, r)
		}
	}
	return relays, nil
}

// First returns the first relay found, or ctx's error if none shows
// up in time.
func First(ctx context.Context) (Relay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Relay{}, fmt.Errorf("discovery: new resolver: %w", err)
	}

	browseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(browseCtx, Service, domain, entries); err != nil {
		return Relay{}, fmt.Errorf("discovery: browse: %w", err)
	}

	for entry := range entries {
		if r, ok := relayFromEntry(entry); ok {
			return r, nil
		}
	}
	return Relay{}, fmt.Errorf("discovery: no relay found: %w", ctx.Err())
}

func relayFromEntry(entry *zeroconf.ServiceEntry) (Relay, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return Relay{}, false
	}
	return Relay{
		Instance: entry.Instance,
		URL:      fmt.Sprintf("ws://%s:%d", entry.AddrIPv4[0], entry.Port),
	}, true
}
