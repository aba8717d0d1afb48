// Copyright (C) 2025 Everything Design. All Rights Reserved.

// Package presence implements the peer-to-peer transport of the ZenState
// team-presence tool: it discovers other running instances on the local
// network, keeps one live TCP connection per peer, and exchanges typed
// status and control messages over a framed wire protocol.
//
// # Services
//
// The core type defined by this package is the [Service]. Construct one
// with [New], giving it the local participant's [Identity], then call
// [Service.Start] to bind the listener and begin discovery:
//
//	svc := presence.New(presence.Config{Self: me})
//	if err := svc.Start(); err != nil {
//	   log.Fatalf("Start failed: %v", err)
//	}
//	defer svc.Stop()
//
// The service runs until [Service.Stop] is called. Peer lifecycle changes
// and inbound application messages are delivered as typed values on the
// channel returned by [Service.Events]. The channel is never closed, so the
// consumer selects against its own shutdown signal:
//
//	for {
//	   select {
//	   case <-done:
//	      return
//	   case ev := <-svc.Events():
//	      switch ev := ev.(type) {
//	      case presence.PeerDiscovered:
//	         fmt.Println("hello,", ev.Peer.DisplayName)
//	      case presence.PeerLost:
//	         fmt.Println("goodbye,", ev.ID)
//	      }
//	   }
//	}
//
// # Discovery
//
// Instances find each other over two independent channels: a multicast-DNS
// service directory and a UDP broadcast beacon (see the discover
// subpackage). Either channel may be unavailable on a given network; each
// alone is sufficient. However a peer is found, connection establishment is
// deduplicated per endpoint, so the channels may race freely.
//
// # Peers
//
// A remote instance appears in [Service.ListPeers] once its handshake
// completes, and disappears when its connection closes, fails, or falls
// silent past the read inactivity limit. Status changes propagate through
// periodic heartbeats, plus an immediate broadcast whenever the consumer
// calls [Service.UpdateIdentity].
//
// # Wire format
//
// Messages are length-prefixed JSON frames; see the wire subpackage. The
// payload is cleartext: the transport carries no authentication or
// encryption and is intended for trusted local networks only.
package presence
