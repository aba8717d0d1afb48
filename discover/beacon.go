// Copyright (C) 2025 Everything Design. All Rights Reserved.

// Package discover implements the two LAN discovery channels of the
// presence transport: a multicast-DNS service directory and a UDP broadcast
// beacon. The two channels are independent; either may be unavailable on a
// given network, and both report discovered peers through callbacks so the
// connection manager can deduplicate however they race.
package discover

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/taskgroup"
)

// beaconMagic prefixes every beacon datagram. It is fixed by the deployed
// protocol.
const beaconMagic = "ZENSTATE"

// FormatBeacon renders the beacon payload announcing id and tcpPort.
func FormatBeacon(id string, tcpPort int) string {
	return beaconMagic + "|" + id + "|" + strconv.Itoa(tcpPort)
}

// ParseBeacon parses a beacon payload into its id and announced TCP port.
// It reports ok == false for anything malformed, including a wrong magic,
// missing fields, or a non-positive port.
func ParseBeacon(s string) (id string, tcpPort int, ok bool) {
	parts := strings.Split(strings.TrimSpace(s), "|")
	if len(parts) != 3 || parts[0] != beaconMagic || parts[1] == "" {
		return "", 0, false
	}
	p, err := strconv.Atoi(parts[2])
	if err != nil || p <= 0 || p > 65535 {
		return "", 0, false
	}
	return parts[1], p, true
}

// A Beacon periodically broadcasts this instance's id and TCP port to the
// local subnet, and listens for the broadcasts of others. It is the
// discovery fallback for networks without multicast-DNS support. Fill in
// the exported fields before calling Start.
type Beacon struct {
	ID       string // this instance's full identity id
	TCPPort  int    // TCP listener port to announce
	Port     int    // well-known UDP beacon port
	Interval time.Duration
	Clock    clock.Clock
	Log      *slog.Logger

	// OnPeer is invoked for each usable foreign beacon with the sender's
	// source host and announced TCP port.
	OnPeer func(host string, port int)

	// Known reports whether an id already has a live connection, in which
	// case its beacons are ignored.
	Known func(id string) bool

	pc    net.PacketConn
	stop  chan struct{}
	tasks *taskgroup.Group
}

// Start binds the beacon socket and begins broadcasting and listening. The
// first broadcast is sent immediately.
func (b *Beacon) Start() error {
	pc, err := net.ListenPacket("udp4", ":"+strconv.Itoa(b.Port))
	if err != nil {
		return fmt.Errorf("beacon listen: %w", err)
	}
	b.pc = pc
	b.stop = make(chan struct{})
	b.tasks = taskgroup.New(nil)
	b.tasks.Go(b.announce)
	b.tasks.Go(b.listen)
	b.Log.Debug("beacon started", "port", b.Port, "announce", b.TCPPort)
	return nil
}

// Close stops the beacon and releases its socket. It is safe to call on a
// beacon that never started, and safe to call more than once.
func (b *Beacon) Close() error {
	if b.pc == nil {
		return nil
	}
	select {
	case <-b.stop:
	default:
		close(b.stop)
		b.pc.Close()
	}
	b.tasks.Wait()
	return nil
}

func (b *Beacon) announce() error {
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: b.Port}
	payload := []byte(FormatBeacon(b.ID, b.TCPPort))

	send := func() {
		if _, err := b.pc.WriteTo(payload, dst); err != nil {
			select {
			case <-b.stop:
			default:
				b.Log.Debug("beacon send failed", "err", err)
			}
		}
	}

	send()
	t := b.Clock.Ticker(b.Interval)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			return nil
		case <-t.C:
			send()
		}
	}
}

func (b *Beacon) listen() error {
	buf := make([]byte, 512)
	for {
		n, addr, err := b.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-b.stop:
			default:
				b.Log.Warn("beacon receive failed", "err", err)
			}
			return nil
		}
		b.handle(string(buf[:n]), addr)
	}
}

// handle applies the beacon acceptance rules to one received datagram:
// malformed payloads, our own id, and ids that already have a live
// connection are all dropped silently.
func (b *Beacon) handle(payload string, addr net.Addr) {
	id, port, ok := ParseBeacon(payload)
	if !ok {
		return
	}
	if id == b.ID {
		return
	}
	if b.Known != nil && b.Known(id) {
		return
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return
	}
	b.Log.Debug("beacon heard", "id", id, "host", host, "port", port)
	b.OnPeer(host, port)
}
