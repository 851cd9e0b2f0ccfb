package hub

import (
	"github.com/roomcast/roomcast/internal/protocol"
)

// Fan-out primitives. Delivery is at-most-once and best-effort: a closed or
// congested transport is skipped, never buffered or retried. Each primitive
// iterates a registry snapshot so registration may proceed during a fan-out.

// sendTo delivers one envelope directly to a session if its transport is
// still open.
func (h *Hub) sendTo(sess *session, env *protocol.Envelope) {
	data, ok := marshalEnvelope(env)
	if !ok {
		return
	}
	sess.deliver(data)
}

// BroadcastToClients delivers an envelope to every dashboard client whose
// scope admits it: the envelope carries no tenant, or the client is
// unscoped, or the scopes match.
func (h *Hub) BroadcastToClients(env *protocol.Envelope) {
	data, ok := marshalEnvelope(env)
	if !ok {
		return
	}
	for _, c := range h.reg.ListClients() {
		scope := c.HotelID()
		if env.HotelID == 0 || scope == 0 || scope == env.HotelID {
			c.link.deliver(data)
		}
	}
}

// BroadcastToDevices delivers an envelope to every device of exactly the
// given tenant. Returns how many transports were handed the envelope.
func (h *Hub) BroadcastToDevices(hotelID int64, env *protocol.Envelope) int {
	if hotelID == 0 {
		// Orphaned devices receive nothing tenant-scoped.
		return 0
	}
	data, ok := marshalEnvelope(env)
	if !ok {
		return 0
	}
	n := 0
	for _, d := range h.reg.ListDevices(hotelID) {
		if d.link.deliver(data) {
			n++
		}
	}
	return n
}

// SendToDevice delivers an envelope to one device by identity. The return
// reports whether a record existed, not whether the transport write
// succeeded; that distinction is deliberately not surfaced.
func (h *Hub) SendToDevice(id string, env *protocol.Envelope) bool {
	d, ok := h.reg.GetDevice(id)
	if !ok {
		return false
	}
	h.sendTo(d.link, env)
	return true
}
