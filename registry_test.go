// Copyright (C) 2025 Everything Design. All Rights Reserved.

package presence

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegistryBind(t *testing.T) {
	r := NewRegistry()
	c1 := &conn{endpoint: "10.0.0.1:1000"}

	isNew, prev := r.Bind(c1, Identity{ID: "x", DisplayName: "Avery"})
	if !isNew || prev != nil {
		t.Errorf("Bind first: got (isNew=%v, prev=%v), want (true, nil)", isNew, prev)
	}
	if r.Len() != 1 {
		t.Errorf("Len: got %d, want 1", r.Len())
	}

	// Rebinding the same socket refreshes the record without a prior.
	isNew, prev = r.Bind(c1, Identity{ID: "x", DisplayName: "Avery A."})
	if isNew || prev != nil {
		t.Errorf("Bind same socket: got (isNew=%v, prev=%v), want (false, nil)", isNew, prev)
	}
	if got := r.List()[0].DisplayName; got != "Avery A." {
		t.Errorf("DisplayName: got %q, want %q", got, "Avery A.")
	}
}

func TestRegistryNewestWins(t *testing.T) {
	r := NewRegistry()
	a := &conn{endpoint: "10.0.0.1:1000"}
	b := &conn{endpoint: "10.0.0.1:2000"}
	r.Bind(a, Identity{ID: "x"})

	// A newer handshake for the same id repoints the entry and surrenders
	// the old socket for closing.
	isNew, prev := r.Bind(b, Identity{ID: "x"})
	if isNew || prev != a {
		t.Errorf("Bind newer socket: got (isNew=%v, prev=%p), want (false, %p)", isNew, prev, a)
	}
	if c, ok := r.Conn("x"); !ok || c != b {
		t.Errorf("Conn(x): got (%p, %v), want (%p, true)", c, ok, b)
	}

	// Removing the replaced socket must not disturb the entry.
	if ids := r.Remove(a); len(ids) != 0 {
		t.Errorf("Remove(a): got %v, want none", ids)
	}
	if r.Len() != 1 {
		t.Errorf("Len after Remove(a): got %d, want 1", r.Len())
	}

	if ids := r.Remove(b); len(ids) != 1 || ids[0] != "x" {
		t.Errorf("Remove(b): got %v, want [x]", ids)
	}
	if r.Len() != 0 {
		t.Errorf("Len after Remove(b): got %d, want 0", r.Len())
	}
}

func TestRegistryRemoveAll(t *testing.T) {
	r := NewRegistry()
	c := &conn{endpoint: "10.0.0.1:1000"}
	other := &conn{endpoint: "10.0.0.2:1000"}
	r.Bind(c, Identity{ID: "first"})
	r.Bind(c, Identity{ID: "second"})
	r.Bind(other, Identity{ID: "bystander"})

	// Both entries bound to c go in one call; the rest stay.
	ids := r.Remove(c)
	sort.Strings(ids)
	if want := []string{"first", "second"}; !cmp.Equal(want, ids) {
		t.Errorf("Remove(c): got %v, want %v", ids, want)
	}
	if r.Len() != 1 {
		t.Errorf("Len after Remove(c): got %d, want 1", r.Len())
	}
	if _, ok := r.Conn("bystander"); !ok {
		t.Error("Unrelated entry was removed")
	}
}

func TestRegistryUpdate(t *testing.T) {
	r := NewRegistry()

	// Only a handshake may introduce an entry.
	if r.Update(Identity{ID: "ghost"}) {
		t.Error("Update of unknown id reported true")
	}
	if r.Len() != 0 {
		t.Errorf("Len: got %d, want 0", r.Len())
	}

	c := &conn{}
	r.Bind(c, Identity{ID: "x", Status: Available})
	if !r.Update(Identity{ID: "x", Status: Focused}) {
		t.Error("Update of known id reported false")
	}
	want := []Identity{{ID: "x", Status: Focused}}
	if diff := cmp.Diff(want, r.List()); diff != "" {
		t.Errorf("List (-want, +got):\n%s", diff)
	}
}

func TestRegistryPrefix(t *testing.T) {
	r := NewRegistry()
	c := &conn{}
	r.Bind(c, Identity{ID: "abcdef1234567890"})

	if got, ok := r.ConnPrefix("abcdef12"); !ok || got != c {
		t.Errorf("ConnPrefix: got (%p, %v), want (%p, true)", got, ok, c)
	}
	if _, ok := r.ConnPrefix("zzzzzzzz"); ok {
		t.Error("ConnPrefix of unknown prefix reported a connection")
	}
}

func TestRegistryEmergencyFlag(t *testing.T) {
	r := NewRegistry()
	r.Bind(&conn{}, Identity{ID: "x"})

	id, ok := r.SetEmergencyAccess("x", true)
	if !ok || !id.CanSendEmergency {
		t.Errorf("SetEmergencyAccess: got (%+v, %v), want flag set", id, ok)
	}
	if _, ok := r.SetEmergencyAccess("ghost", true); ok {
		t.Error("SetEmergencyAccess of unknown id reported true")
	}
}
