// Copyright (C) 2025 Everything Design. All Rights Reserved.

package discover

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/taskgroup"
	"github.com/hashicorp/mdns"
)

// ServiceType is the fixed multicast-DNS service type under which every
// instance advertises itself.
const ServiceType = "_zenstate._tcp"

// queryTimeout bounds a single browse round.
const queryTimeout = 4 * time.Second

// goneAfter is how many query intervals an instance may go unseen before it
// is treated as departed. Multicast-DNS responses are lossy, so a single
// missed round must not evict a peer.
const goneAfter = 3

// A Directory advertises this instance in the multicast-DNS service
// directory and browses for other instances. The advertised instance name
// is "<first 8 chars of id>_<username>"; the id prefix is how instances
// filter out their own advertisements. Prefix matching is not collision-safe
// at scale, but it is the deployed wire behavior and is kept as is.
//
// Fill in the exported fields before calling Start. Start may fail on
// networks without multicast-DNS support; the caller is expected to degrade
// to beacon-only discovery.
type Directory struct {
	Instance      string // advertised instance name
	OwnPrefix     string // this instance's id prefix, for self-filtering
	Port          int    // TCP listener port to advertise
	QueryInterval time.Duration
	Clock         clock.Clock
	Log           *slog.Logger

	// OnPeer is invoked with the address and port of a foreign
	// advertisement each time it is observed.
	OnPeer func(host string, port int)

	// OnPeerGone is invoked with the id prefix of an instance that stopped
	// advertising.
	OnPeerGone func(prefix string)

	server *mdns.Server
	stop   chan struct{}
	tasks  *taskgroup.Group

	mu   sync.Mutex
	seen map[string]time.Time // last observation per instance prefix
}

// Start registers the advertisement and begins browsing.
func (d *Directory) Start() error {
	ips := LocalIPs()
	if len(ips) == 0 {
		return fmt.Errorf("directory: no usable local addresses")
	}
	zone, err := mdns.NewMDNSService(d.Instance, ServiceType, "", "", d.Port, ips, []string{"zenstate"})
	if err != nil {
		return fmt.Errorf("directory service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return fmt.Errorf("directory server: %w", err)
	}
	d.server = server
	d.stop = make(chan struct{})
	d.seen = make(map[string]time.Time)
	d.tasks = taskgroup.New(nil)
	d.tasks.Go(d.browse)
	d.Log.Debug("directory started", "instance", d.Instance, "port", d.Port)
	return nil
}

// Close withdraws the advertisement and stops browsing. It is safe to call
// on a directory that never started, and safe to call more than once.
func (d *Directory) Close() error {
	if d.server == nil {
		return nil
	}
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	d.tasks.Wait()
	err := d.server.Shutdown()
	d.server = nil
	return err
}

// browse queries for foreign advertisements, immediately and then on every
// interval tick, expiring instances that stop responding.
func (d *Directory) browse() error {
	d.query()
	t := d.Clock.Ticker(d.QueryInterval)
	defer t.Stop()
	for {
		select {
		case <-d.stop:
			return nil
		case <-t.C:
			d.query()
			d.expire()
		}
	}
}

func (d *Directory) query() {
	entries := make(chan *mdns.ServiceEntry, 16)
	taskgroup.Go(func() error {
		for e := range entries {
			d.handleEntry(e)
		}
		return nil
	})

	params := &mdns.QueryParam{
		Service:             ServiceType,
		Timeout:             queryTimeout,
		Entries:             entries,
		DisableIPv6:         true,
		WantUnicastResponse: true,
	}
	if err := mdns.Query(params); err != nil {
		d.Log.Debug("directory query failed", "err", err)
	}
	close(entries)
}

func (d *Directory) handleEntry(e *mdns.ServiceEntry) {
	if e == nil || e.Port <= 0 {
		return
	}
	prefix, ok := instancePrefix(e.Name)
	if !ok || prefix == d.OwnPrefix {
		return
	}
	var host string
	switch {
	case e.AddrV4 != nil:
		host = e.AddrV4.String()
	case e.AddrV6 != nil:
		host = e.AddrV6.String()
	default:
		return
	}

	d.mu.Lock()
	d.seen[prefix] = d.Clock.Now()
	d.mu.Unlock()

	d.Log.Debug("directory sighting", "prefix", prefix, "host", host, "port", e.Port)
	d.OnPeer(host, e.Port)
}

// expire reports instances that have not answered for several query rounds.
func (d *Directory) expire() {
	cutoff := d.Clock.Now().Add(-goneAfter * d.QueryInterval)

	d.mu.Lock()
	var gone []string
	for prefix, last := range d.seen {
		if last.Before(cutoff) {
			delete(d.seen, prefix)
			gone = append(gone, prefix)
		}
	}
	d.mu.Unlock()

	for _, prefix := range gone {
		d.OnPeerGone(prefix)
	}
}

// instancePrefix extracts the id prefix from a fully qualified service
// entry name such as "a1b2c3d4_kim._zenstate._tcp.local.".
func instancePrefix(name string) (string, bool) {
	instance := name
	if i := strings.Index(name, "."+ServiceType); i >= 0 {
		instance = name[:i]
	}
	prefix, _, ok := strings.Cut(instance, "_")
	if !ok || prefix == "" {
		return "", false
	}
	return prefix, true
}

// LocalIPs returns the local unicast addresses usable for LAN discovery:
// interfaces that are up and not loopback, addresses that are not loopback
// or link-local. IPv4 addresses sort first; multicast-DNS on IPv6-only LANs
// is rare enough not to prefer.
func LocalIPs() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var v4, v6 []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
				continue
			}
			if ip.To4() != nil {
				v4 = append(v4, ip)
			} else {
				v6 = append(v6, ip)
			}
		}
	}
	return append(v4, v6...)
}
