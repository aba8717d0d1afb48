// Copyright (C) 2025 Everything Design. All Rights Reserved.

package presence

import (
	"github.com/Everything-Design/ZenState-V3-sub000/wire"
)

// heartbeatLoop drives the periodic sweep-and-heartbeat cycle until stop
// closes. Alongside the immediate broadcast in UpdateIdentity, this is how
// local status changes propagate to peers.
func (s *Service) heartbeatLoop(stop <-chan struct{}) error {
	t := s.clk.Ticker(s.heartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-t.C:
			s.sweep()
		}
	}
}

// sweep runs cleanup on every connection whose socket is already destroyed,
// then sends a Heartbeat carrying the latest local identity to the rest. The
// connection set is snapshotted first: cleanup mutates it, and so can a send
// failure inside the loop.
func (s *Service) sweep() {
	conns := s.liveConns()
	if len(conns) == 0 {
		return
	}
	hb := s.message(wire.KindHeartbeat, withIdentity)
	for _, c := range conns {
		if c.isClosed() {
			s.cleanup(c)
			continue
		}
		s.send(c, hb) // failure routed through cleanup
	}
}
