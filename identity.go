// Copyright (C) 2025 Everything Design. All Rights Reserved.

package presence

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a participant's availability.
type Status string

const (
	Available Status = "available"
	Occupied  Status = "occupied"
	Focused   Status = "focused"
	Offline   Status = "offline"
)

// An Identity is the profile record for the local participant or a remote
// peer. The transport treats it as an opaque serializable value that it
// stores, transmits, and hands back in events; the one exception is
// CanSendEmergency, which the transport itself flips when a grant or revoke
// message arrives for the local instance.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Username    string `json:"username"`
	Status      Status `json:"status"`

	LastSeen      time.Time `json:"lastSeen"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	StatusExpiry  time.Time `json:"statusExpiry,omitzero"`

	// Focus-session summary maintained by the consumer.
	FocusStartedAt    time.Time `json:"focusStartedAt,omitzero"`
	FocusMinutesToday int       `json:"focusMinutesToday,omitempty"`

	IsAdmin          bool `json:"isAdmin"`
	CanSendEmergency bool `json:"canSendEmergency"`
}

// idPrefix is the length of the identity id prefix embedded in service
// directory instance names. An 8-character prefix is not collision-safe at
// scale, but it is what every deployed instance advertises, so it is kept
// for compatibility.
const idPrefix = 8

// Prefix returns the short id prefix used in directory advertisements.
func (id Identity) Prefix() string { return shortID(id.ID) }

func shortID(s string) string {
	if len(s) > idPrefix {
		return s[:idPrefix]
	}
	return s
}

// marshalIdentity encodes id for use as a wire message payload.
func marshalIdentity(id Identity) []byte {
	data, err := json.Marshal(id)
	if err != nil {
		panic(fmt.Errorf("encoding identity: %w", err))
	}
	return data
}

// unmarshalIdentity decodes a wire message payload into an identity record.
// It rejects records without an id, which could not be registered.
func unmarshalIdentity(data []byte) (Identity, error) {
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, err
	}
	if id.ID == "" {
		return Identity{}, fmt.Errorf("identity record has no id")
	}
	return id, nil
}
