package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DeviceConn is the registry record for one live device connection. All
// fields except the heartbeat clock are immutable after registration; the
// record is removed the instant its transport closes.
type DeviceConn struct {
	ID         string
	HotelID    int64
	RoomNumber string

	link        *session
	ConnectedAt time.Time
	lastBeat    atomic.Int64 // unix nanos of last heartbeat
}

// LastHeartbeat returns the time of the last received heartbeat.
func (d *DeviceConn) LastHeartbeat() time.Time {
	return time.Unix(0, d.lastBeat.Load())
}

// ClientConn is the registry record for one live dashboard client
// connection. A client may stay unauthenticated (user id zero) and still
// receive broadcasts; an unset hotel id means the client sees every tenant.
type ClientConn struct {
	ID string

	link        *session
	ConnectedAt time.Time

	userID  atomic.Int64
	hotelID atomic.Int64
}

// UserID returns the bound operator id, zero if unauthenticated.
func (c *ClientConn) UserID() int64 { return c.userID.Load() }

// HotelID returns the client's tenant scope, zero meaning unscoped.
func (c *ClientConn) HotelID() int64 { return c.hotelID.Load() }

// RegistryStats is a point-in-time summary of live connections.
type RegistryStats struct {
	TotalDevices    int           `json:"totalDevices"`
	TotalClients    int           `json:"totalClients"`
	DevicesByTenant map[int64]int `json:"devicesByHotel"`
}

// Registry is the thread-safe store of all live connection records. A single
// lock guards both maps; fan-out iteration snapshots under the read lock and
// delivers after releasing it.
type Registry struct {
	log zerolog.Logger

	mu      sync.RWMutex
	devices map[string]*DeviceConn
	clients map[string]*ClientConn
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:     log.With().Str("component", "registry").Logger(),
		devices: make(map[string]*DeviceConn),
		clients: make(map[string]*ClientConn),
	}
}

// RegisterDevice inserts a new device record. Identity collisions should be
// structurally impossible; if one occurs anyway the old transport is closed
// and the record replaced.
func (r *Registry) RegisterDevice(id string, hotelID int64, roomNumber string, link *session) *DeviceConn {
	d := &DeviceConn{
		ID:          id,
		HotelID:     hotelID,
		RoomNumber:  roomNumber,
		link:        link,
		ConnectedAt: time.Now(),
	}
	d.lastBeat.Store(d.ConnectedAt.UnixNano())

	r.mu.Lock()
	existing := r.devices[id]
	r.devices[id] = d
	r.mu.Unlock()

	if existing != nil && existing.link != link {
		r.log.Warn().Str("device", id).Msg("replaced duplicate device identity")
		existing.link.shutdown()
	}
	return d
}

// RegisterClient inserts a new unauthenticated dashboard client record.
func (r *Registry) RegisterClient(id string, link *session) *ClientConn {
	c := &ClientConn{
		ID:          id,
		link:        link,
		ConnectedAt: time.Now(),
	}

	r.mu.Lock()
	existing := r.clients[id]
	r.clients[id] = c
	r.mu.Unlock()

	if existing != nil && existing.link != link {
		r.log.Warn().Str("client", id).Msg("replaced duplicate client identity")
		existing.link.shutdown()
	}
	return c
}

// BindClientAuth sets a client's operator id and tenant scope. Returns false
// if the identity is unknown (race with disconnect); not fatal for callers.
func (r *Registry) BindClientAuth(id string, userID, hotelID int64) bool {
	r.mu.RLock()
	c, ok := r.clients[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.userID.Store(userID)
	c.hotelID.Store(hotelID)
	return true
}

// RemoveDevice removes a device record. Idempotent: removing an unknown
// identity is a no-op returning false.
func (r *Registry) RemoveDevice(id string) (*DeviceConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	delete(r.devices, id)
	return d, true
}

// RemoveClient removes a client record. Idempotent like RemoveDevice.
func (r *Registry) RemoveClient(id string) (*ClientConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	delete(r.clients, id)
	return c, true
}

// TouchHeartbeat resets a device's heartbeat clock to now. Returns false if
// the identity is unknown.
func (r *Registry) TouchHeartbeat(id string) bool {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	d.lastBeat.Store(time.Now().UnixNano())
	return true
}

func (r *Registry) clientByID(id string) (*ClientConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// GetDevice looks up one device by identity.
func (r *Registry) GetDevice(id string) (*DeviceConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// ListDevices returns a snapshot of device records. A zero hotel id lists
// every device system-wide; the caller is expected to have been authorized
// for that before asking.
func (r *Registry) ListDevices(hotelID int64) []*DeviceConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DeviceConn, 0, len(r.devices))
	for _, d := range r.devices {
		if hotelID == 0 || d.HotelID == hotelID {
			out = append(out, d)
		}
	}
	return out
}

// ListClients returns a snapshot of all dashboard client records.
func (r *Registry) ListClients() []*ClientConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientConn, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// FindDeviceByRoom scans for a device of the given hotel in the given room.
// Linear scan; fleets are per-property, not global.
func (r *Registry) FindDeviceByRoom(hotelID int64, roomNumber string) (*DeviceConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.HotelID == hotelID && d.RoomNumber == roomNumber {
			return d, true
		}
	}
	return nil, false
}

// Stale returns devices whose last heartbeat is older than timeout at the
// given instant.
func (r *Registry) Stale(timeout time.Duration, now time.Time) []*DeviceConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*DeviceConn
	for _, d := range r.devices {
		if now.Sub(d.LastHeartbeat()) > timeout {
			out = append(out, d)
		}
	}
	return out
}

// Stats returns a point-in-time connection summary.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := RegistryStats{
		TotalDevices:    len(r.devices),
		TotalClients:    len(r.clients),
		DevicesByTenant: make(map[int64]int),
	}
	for _, d := range r.devices {
		s.DevicesByTenant[d.HotelID]++
	}
	return s
}

// Clear removes every record and returns the links that were held, so the
// caller can close them on shutdown.
func (r *Registry) Clear() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	links := make([]*session, 0, len(r.devices)+len(r.clients))
	for _, d := range r.devices {
		links = append(links, d.link)
	}
	for _, c := range r.clients {
		links = append(links, c.link)
	}
	r.devices = make(map[string]*DeviceConn)
	r.clients = make(map[string]*ClientConn)
	return links
}
