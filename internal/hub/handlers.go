package hub

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/roomcast/roomcast/internal/protocol"
)

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleWebSocket accepts both device and dashboard client connections.
// Identity parameters come from the query string: type (device|client,
// default device), id (optional pre-supplied identity), hotelId, roomNumber.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	role := q.Get("type")
	if role != roleClient {
		role = roleDevice
	}

	if role == roleDevice && !s.auth.ValidateDeviceToken(q.Get("token")) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var hotelID int64
	var roomNumber string
	if role == roleDevice {
		if v := q.Get("hotelId"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "invalid hotelId", http.StatusBadRequest)
				return
			}
			hotelID = id
		}
		roomNumber = q.Get("roomNumber")
	}

	id := q.Get("id")
	if id == "" {
		if role == roleDevice {
			id = newIdentity("dev")
		} else {
			id = newIdentity("cli")
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sess := newSession(s.hub, conn, role, id, hotelID, roomNumber)
	s.hub.register <- sess
	go sess.writePump()
	go sess.readPump()
}

// handleListDevices lists live devices. hotelId scopes the listing;
// roomNumber additionally narrows it to one room's device.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	hotelID, err := optionalHotelID(r.URL.Query().Get("hotelId"))
	if err != nil {
		http.Error(w, "invalid hotelId", http.StatusBadRequest)
		return
	}

	if room := r.URL.Query().Get("roomNumber"); room != "" {
		if hotelID == 0 {
			http.Error(w, "roomNumber requires hotelId", http.StatusBadRequest)
			return
		}
		d, found := s.reg.FindDeviceByRoom(hotelID, room)
		if !found {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": []map[string]any{deviceRow(d)}})
		return
	}

	devices := s.reg.ListDevices(hotelID)
	rows := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, deviceRow(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": rows})
}

func deviceRow(d *DeviceConn) map[string]any {
	return map[string]any{
		"id":            d.ID,
		"hotelId":       d.HotelID,
		"roomNumber":    d.RoomNumber,
		"connectedAt":   d.ConnectedAt,
		"lastHeartbeat": d.LastHeartbeat(),
	}
}

// handlePresenceHistory lists known devices from the presence store,
// including ones currently offline.
func (s *Server) handlePresenceHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "presence store disabled", http.StatusNotImplemented)
		return
	}
	hotelID, err := optionalHotelID(r.URL.Query().Get("hotelId"))
	if err != nil {
		http.Error(w, "invalid hotelId", http.StatusBadRequest)
		return
	}

	rows, err := s.store.History(hotelID)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query presence history")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []DevicePresence{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": rows})
}

// handleStats returns the registry summary.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Stats())
}

type outboundRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// handleBroadcast fans an envelope out to every device of one hotel.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	hotelID, err := strconv.ParseInt(chi.URLParam(r, "hotelID"), 10, 64)
	if err != nil || hotelID == 0 {
		http.Error(w, "invalid hotel id", http.StatusBadRequest)
		return
	}

	var req outboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	env, err := protocol.NewEnvelope(req.Type, req.Payload)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	env.HotelID = hotelID

	n := s.hub.BroadcastToDevices(hotelID, env)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "sent",
		"type":       req.Type,
		"recipients": n,
	})
}

// handleSendToDevice delivers an envelope to one device by identity.
func (s *Server) handleSendToDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req outboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	env, err := protocol.NewEnvelope(req.Type, req.Payload)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	env.DeviceID = deviceID

	if !s.hub.SendToDevice(deviceID, env) {
		http.Error(w, "device not connected", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "type": req.Type})
}

func optionalHotelID(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
