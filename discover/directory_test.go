// Copyright (C) 2025 Everything Design. All Rights Reserved.

package discover

import (
	"log/slog"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/mdns"
)

func TestInstancePrefix(t *testing.T) {
	tests := []struct {
		name   string
		want   string
		wantOK bool
	}{
		{"a1b2c3d4_kim._zenstate._tcp.local.", "a1b2c3d4", true},
		{"a1b2c3d4_kim", "a1b2c3d4", true}, // already unqualified
		{"a1b2c3d4_kim_extra._zenstate._tcp.local.", "a1b2c3d4", true},

		{"", "", false},
		{"nounderscore._zenstate._tcp.local.", "", false},
		{"_kim._zenstate._tcp.local.", "", false}, // empty prefix
	}
	for _, tc := range tests {
		got, ok := instancePrefix(tc.name)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("instancePrefix(%q): got (%q, %v), want (%q, %v)",
				tc.name, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestDirectoryHandleEntry(t *testing.T) {
	type sight struct {
		host string
		port int
	}
	var got []sight
	clk := clock.NewMock()
	d := &Directory{
		OwnPrefix: "selfpref",
		Clock:     clk,
		Log:       slog.New(slog.DiscardHandler),
		OnPeer: func(host string, port int) {
			got = append(got, sight{host, port})
		},
		seen: make(map[string]time.Time),
	}

	entry := func(name string, v4 net.IP, port int) *mdns.ServiceEntry {
		return &mdns.ServiceEntry{Name: name, AddrV4: v4, Port: port}
	}

	d.handleEntry(entry("peer1234_kim."+ServiceType+".local.", net.ParseIP("192.168.1.30"), 52000))
	d.handleEntry(entry("selfpref_me."+ServiceType+".local.", net.ParseIP("192.168.1.31"), 52001)) // own advertisement
	d.handleEntry(entry("badname."+ServiceType+".local.", net.ParseIP("192.168.1.32"), 52002))     // unparseable
	d.handleEntry(entry("peer5678_joe."+ServiceType+".local.", nil, 52003))                        // no address
	d.handleEntry(entry("peer5678_joe."+ServiceType+".local.", net.ParseIP("192.168.1.33"), 0))    // no port
	d.handleEntry(nil)

	want := []sight{{"192.168.1.30", 52000}}
	if len(got) != 1 || got[0] != want[0] {
		t.Errorf("Sightings: got %+v, want %+v", got, want)
	}
	if _, ok := d.seen["peer1234"]; !ok {
		t.Error("Accepted sighting was not recorded")
	}
	if len(d.seen) != 1 {
		t.Errorf("Seen set: got %d entries, want 1", len(d.seen))
	}

	// IPv6 is used only when no IPv4 address was advertised.
	d.handleEntry(&mdns.ServiceEntry{
		Name: "peer9abc_ada." + ServiceType + ".local.", AddrV6: net.ParseIP("fd00::7"), Port: 52004,
	})
	if len(got) != 2 || got[1].host != "fd00::7" {
		t.Errorf("IPv6 sighting: got %+v, want host fd00::7", got)
	}
}

func TestDirectoryExpire(t *testing.T) {
	var gone []string
	clk := clock.NewMock()
	d := &Directory{
		QueryInterval: 10 * time.Second,
		Clock:         clk,
		Log:           slog.New(slog.DiscardHandler),
		OnPeerGone:    func(prefix string) { gone = append(gone, prefix) },
		seen:          make(map[string]time.Time),
	}

	d.seen["fresh123"] = clk.Now()
	d.seen["old45678"] = clk.Now().Add(-2 * d.QueryInterval)
	d.seen["dead9abc"] = clk.Now().Add(-4 * d.QueryInterval)
	d.seen["deaddef0"] = clk.Now().Add(-5 * d.QueryInterval)

	d.expire()
	sort.Strings(gone)
	if want := []string{"dead9abc", "deaddef0"}; len(gone) != 2 || gone[0] != want[0] || gone[1] != want[1] {
		t.Errorf("Expired: got %v, want %v", gone, want)
	}
	if _, ok := d.seen["fresh123"]; !ok {
		t.Error("Fresh entry was expired")
	}
	if _, ok := d.seen["old45678"]; !ok {
		t.Error("Entry within the grace window was expired")
	}
	if len(d.seen) != 2 {
		t.Errorf("Seen set after expiry: got %d entries, want 2", len(d.seen))
	}

	// A sighting after expiry reintroduces the instance from scratch.
	d.seen["dead9abc"] = clk.Now()
	gone = gone[:0]
	d.expire()
	if len(gone) != 0 {
		t.Errorf("Expired after re-sighting: got %v, want none", gone)
	}
}

func TestLocalIPsShape(t *testing.T) {
	// The address set depends on the host, but the ordering contract does
	// not: no loopback or link-local entries, and IPv4 before IPv6.
	ips := LocalIPs()
	sawV6 := false
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			t.Errorf("LocalIPs returned unusable address %v", ip)
		}
		if ip.To4() == nil {
			sawV6 = true
		} else if sawV6 {
			t.Errorf("IPv4 address %v sorted after an IPv6 address", ip)
		}
	}
}
