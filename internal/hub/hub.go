package hub

import (
	"context"
	"encoding/json"

	"github.com/roomcast/roomcast/internal/protocol"
	"github.com/rs/zerolog"
)

// Hub owns the connection lifecycle and message routing. Registration,
// deregistration and inbound dispatch are serialized through its run loop;
// fan-out reads registry snapshots and may run from any goroutine.
type Hub struct {
	log   zerolog.Logger
	reg   *Registry
	auth  *AuthService
	store PresenceStore // may be nil; presence writes are best-effort

	register   chan *session
	unregister chan *session
	inbound    chan *inboundEnvelope
}

type inboundEnvelope struct {
	sess *session
	env  *protocol.Envelope
}

// NewHub creates a new hub.
func NewHub(log zerolog.Logger, reg *Registry, auth *AuthService, store PresenceStore) *Hub {
	return &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		reg:        reg,
		auth:       auth,
		store:      store,
		register:   make(chan *session),
		unregister: make(chan *session),
		inbound:    make(chan *inboundEnvelope, 256),
	}
}

// Run drives the hub until ctx is cancelled, then closes every held
// transport and clears the registry.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case sess := <-h.register:
			h.handleRegister(sess)

		case sess := <-h.unregister:
			h.handleUnregister(sess)

		case msg := <-h.inbound:
			h.route(msg.sess, msg.env)

		case <-ctx.Done():
			for _, link := range h.reg.Clear() {
				link.shutdown()
			}
			h.log.Info().Msg("hub stopped")
			return
		}
	}
}

// handleRegister turns an accepted transport into a registry record, sends
// the welcome envelope and announces device presence to dashboards.
func (h *Hub) handleRegister(sess *session) {
	switch sess.role {
	case roleDevice:
		h.reg.RegisterDevice(sess.id, sess.hotelID, sess.roomNumber, sess)
		if h.store != nil {
			if err := h.store.DeviceConnected(sess.id, sess.hotelID, sess.roomNumber); err != nil {
				h.log.Error().Err(err).Str("device", sess.id).Msg("failed to record device connect")
			}
		}
		if sess.hotelID != 0 {
			h.broadcastPresence(protocol.TypeDeviceConnected, sess)
		}
	case roleClient:
		h.reg.RegisterClient(sess.id, sess)
	}

	welcome, err := protocol.NewEnvelope(protocol.TypeConnected, protocol.ConnectedPayload{ID: sess.id})
	if err == nil {
		h.sendTo(sess, welcome)
	}

	h.log.Debug().
		Str("role", sess.role).
		Str("id", sess.id).
		Int64("hotel", sess.hotelID).
		Msg("connection registered")
}

// handleUnregister removes the record for a closed transport and announces
// the disconnect. Removal is guarded by link identity so that a replaced
// duplicate cannot evict its successor, and is idempotent against races
// between remote close and eviction.
func (h *Hub) handleUnregister(sess *session) {
	sess.shutdown()

	switch sess.role {
	case roleDevice:
		d, ok := h.reg.GetDevice(sess.id)
		if !ok || d.link != sess {
			return
		}
		h.reg.RemoveDevice(sess.id)
		if h.store != nil {
			if err := h.store.DeviceOffline(sess.id); err != nil {
				h.log.Error().Err(err).Str("device", sess.id).Msg("failed to record device disconnect")
			}
		}
		if sess.hotelID != 0 {
			h.broadcastPresence(protocol.TypeDeviceDisconnected, sess)
		}
	case roleClient:
		c, ok := h.reg.clientByID(sess.id)
		if !ok || c.link != sess {
			return
		}
		h.reg.RemoveClient(sess.id)
	}

	h.log.Debug().
		Str("role", sess.role).
		Str("id", sess.id).
		Msg("connection unregistered")
}

func (h *Hub) broadcastPresence(kind string, sess *session) {
	env, err := protocol.NewEnvelope(kind, protocol.PresencePayload{
		DeviceID:   sess.id,
		HotelID:    sess.hotelID,
		RoomNumber: sess.roomNumber,
	})
	if err != nil {
		return
	}
	env.HotelID = sess.hotelID
	env.DeviceID = sess.id
	h.BroadcastToClients(env)
}

// route dispatches an inbound envelope by kind. An unknown sender (identity
// no longer in the registry, racing a disconnect) is a silent no-op on every
// branch.
func (h *Hub) route(sess *session, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		if !h.reg.TouchHeartbeat(sess.id) {
			return
		}
		if h.store != nil {
			if err := h.store.DeviceSeen(sess.id); err != nil {
				h.log.Error().Err(err).Str("device", sess.id).Msg("failed to record heartbeat")
			}
		}
		if ack, err := protocol.NewEnvelope(protocol.TypeHeartbeatAck, struct{}{}); err == nil {
			h.sendTo(sess, ack)
		}

	case protocol.TypeAuthenticate:
		if _, found := h.reg.clientByID(sess.id); !found {
			return
		}
		var payload protocol.AuthenticatePayload
		if err := env.ParsePayload(&payload); err != nil {
			h.log.Warn().Err(err).Str("id", sess.id).Msg("dropping malformed authenticate payload")
			return
		}
		ok := h.auth.VerifyOperatorKey(payload.Key)
		if ok && !h.reg.BindClientAuth(sess.id, payload.UserID, payload.HotelID) {
			// Sender raced a disconnect; nobody left to answer.
			return
		}
		if resp, err := protocol.NewEnvelope(protocol.TypeAuthenticated, protocol.AuthenticatedPayload{Success: ok}); err == nil {
			h.sendTo(sess, resp)
		}

	case protocol.TypeDeviceStatus:
		d, found := h.reg.GetDevice(sess.id)
		if !found {
			return
		}
		status := map[string]any{}
		if len(env.Payload) > 0 {
			if err := env.ParsePayload(&status); err != nil {
				h.log.Warn().Err(err).Str("device", sess.id).Msg("dropping malformed status payload")
				return
			}
		}
		status["deviceId"] = d.ID
		status["hotelId"] = d.HotelID
		update, err := protocol.NewEnvelope(protocol.TypeDeviceStatusUpdate, status)
		if err != nil {
			return
		}
		update.HotelID = d.HotelID
		update.DeviceID = d.ID
		h.BroadcastToClients(update)

	case protocol.TypeContentUpdate, protocol.TypeRefreshContent:
		if env.HotelID == 0 {
			h.log.Warn().Str("type", env.Type).Str("id", sess.id).Msg("dropping tenant-less content envelope")
			return
		}
		out := &protocol.Envelope{
			Type:      env.Type,
			Payload:   env.Payload,
			HotelID:   env.HotelID,
			Timestamp: env.Timestamp,
		}
		h.BroadcastToDevices(env.HotelID, out)

	default:
		h.log.Warn().Str("type", env.Type).Str("id", sess.id).Msg("unrecognized envelope type")
	}
}

func marshalEnvelope(env *protocol.Envelope) ([]byte, bool) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, false
	}
	return data, true
}
