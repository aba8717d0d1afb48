// Copyright (C) 2025 Everything Design. All Rights Reserved.

package presence

import (
	"github.com/Everything-Design/ZenState-V3-sub000/wire"
)

// handleMessage routes one decoded frame. Messages on a single connection
// arrive here in the order the sender wrote them; no order holds across
// connections. Unknown kinds are ignored without error.
func (s *Service) handleMessage(c *conn, m *wire.Message) {
	switch m.Type {
	case wire.KindUserInfo:
		s.handleUserInfo(c, m)

	case wire.KindStatusUpdate, wire.KindHeartbeat:
		id, err := unmarshalIdentity(m.Payload)
		if err != nil {
			s.metrics.framesDropped.Add(1)
			s.log.Warn("dropping message with bad identity payload", "kind", m.Type, "err", err)
			return
		}
		if s.reg.Update(id) {
			s.emit(PeerUpdated{Peer: id})
		}

	case wire.KindMeetingRequest:
		s.emit(MeetingRequest{SenderID: m.SenderID, SenderName: m.SenderName, Message: m.RequestMessage})

	case wire.KindMeetingRequestCancel:
		s.emit(MeetingRequestCanceled{SenderID: m.SenderID, SenderName: m.SenderName})

	case wire.KindMeetingRequestAccepted:
		s.emit(MeetingResponse{Accepted: true, SenderID: m.SenderID, SenderName: m.SenderName, Message: m.RequestMessage})

	case wire.KindMeetingRequestDeclined:
		s.emit(MeetingResponse{Accepted: false, SenderID: m.SenderID, SenderName: m.SenderName, Message: m.RequestMessage})

	case wire.KindEmergencyMeetingRequest:
		s.emit(EmergencyRequest{SenderID: m.SenderID, SenderName: m.SenderName, Message: m.RequestMessage})

	case wire.KindEmergencyAccessGrant:
		// A grant given to this instance: mutate the local identity record,
		// not a registry entry. Any text other than "granted" revokes.
		granted := m.RequestMessage == "granted"
		s.mu.Lock()
		s.self.CanSendEmergency = granted
		s.mu.Unlock()
		s.log.Info("emergency access changed", "granted", granted, "by", m.SenderID)
		s.emit(EmergencyAccessChanged{Granted: granted})

	case wire.KindAdminNotification:
		s.emit(AdminNotification{SenderName: m.SenderName, Message: m.RequestMessage})
	}
}

// handleUserInfo completes the handshake on c: bind the socket to the
// received identity, closing any prior socket for the same id (newest wins).
// A first sighting is answered with this instance's own identity on the same
// socket, so both directions learn each other even when only one side's
// discovery fired.
func (s *Service) handleUserInfo(c *conn, m *wire.Message) {
	id, err := unmarshalIdentity(m.Payload)
	if err != nil {
		s.metrics.framesDropped.Add(1)
		s.log.Warn("dropping handshake with bad identity payload", "endpoint", c.endpoint, "err", err)
		return
	}

	// A socket may handshake again under a different id, for example after
	// the remote regenerated its identity. The record for the old id would
	// otherwise stay bound to this socket alongside the new one; evict it
	// first so one connection never carries two registry entries.
	if old := c.bound(); old != "" && old != id.ID {
		for _, lost := range s.reg.Remove(c) {
			s.log.Info("peer lost", "id", lost, "endpoint", c.endpoint)
			s.emit(PeerLost{ID: lost})
		}
	}

	isNew, prev := s.reg.Bind(c, id)
	c.bind(id.ID)
	if prev != nil {
		// The registry already points at c, so cleanup of the replaced
		// socket only closes it; no PeerLost is emitted.
		s.log.Debug("replacing connection for peer", "id", id.ID, "old", prev.endpoint, "new", c.endpoint)
		s.cleanup(prev)
	}

	if isNew {
		s.log.Info("peer discovered", "id", id.ID, "name", id.DisplayName, "endpoint", c.endpoint)
		s.emit(PeerDiscovered{Peer: id})
		// A send failure here runs cleanup, whose PeerLost balances the
		// PeerDiscovered just emitted.
		s.send(c, s.handshakeMessage())
	} else {
		s.emit(PeerUpdated{Peer: id})
	}
}
