// Copyright (C) 2025 Everything Design. All Rights Reserved.

package presence

// An Event is a notification delivered to the consumer of a Service. The
// concrete types below are the only implementations. Events are delivered in
// the order they were produced on a single connection; no order is defined
// across connections.
type Event interface {
	isEvent()
}

// PeerDiscovered reports a peer whose handshake completed for the first
// time.
type PeerDiscovered struct {
	Peer Identity
}

// PeerUpdated reports a refreshed identity record for a known peer.
type PeerUpdated struct {
	Peer Identity
}

// PeerLost reports that the connection bound to a peer closed, failed, or
// timed out, and the peer was removed.
type PeerLost struct {
	ID string
}

// MeetingRequest reports an inbound request to meet.
type MeetingRequest struct {
	SenderID   string
	SenderName string
	Message    string // optional free text
}

// MeetingRequestCanceled reports that a pending meeting request was
// withdrawn by its sender.
type MeetingRequestCanceled struct {
	SenderID   string
	SenderName string
}

// MeetingResponse reports a peer's answer to a meeting request.
type MeetingResponse struct {
	Accepted   bool
	SenderID   string
	SenderName string
	Message    string
}

// EmergencyRequest reports an inbound emergency meeting request.
type EmergencyRequest struct {
	SenderID   string
	SenderName string
	Message    string
}

// EmergencyAccessChanged reports that a remote admin granted or revoked this
// instance's permission to send emergency requests. The local identity
// record has already been updated when the event is delivered.
type EmergencyAccessChanged struct {
	Granted bool
}

// AdminNotification reports a broadcast notice from an admin, for display.
type AdminNotification struct {
	SenderName string
	Message    string
}

func (PeerDiscovered) isEvent()         {}
func (PeerUpdated) isEvent()            {}
func (PeerLost) isEvent()               {}
func (MeetingRequest) isEvent()         {}
func (MeetingRequestCanceled) isEvent() {}
func (MeetingResponse) isEvent()        {}
func (EmergencyRequest) isEvent()       {}
func (EmergencyAccessChanged) isEvent() {}
func (AdminNotification) isEvent()      {}
