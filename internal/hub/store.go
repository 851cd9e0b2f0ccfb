package hub

import (
	"database/sql"
)

// PresenceStore is the persistence collaborator. The sync core writes to it
// best-effort and never consults it for identity validity; a nil store
// disables persistence entirely.
type PresenceStore interface {
	// MarkAllOffline resets every row at startup; devices reconnect and
	// re-register from scratch after a restart.
	MarkAllOffline() error
	DeviceConnected(id string, hotelID int64, roomNumber string) error
	DeviceSeen(id string) error
	DeviceOffline(id string) error
	// History lists known devices, online or not. Zero hotel id lists all.
	History(hotelID int64) ([]DevicePresence, error)
}

// DevicePresence is one historical device row.
type DevicePresence struct {
	ID          string  `json:"id"`
	HotelID     int64   `json:"hotelId"`
	RoomNumber  *string `json:"roomNumber"`
	Status      string  `json:"status"`
	ConnectedAt *string `json:"connectedAt"`
	LastSeen    *string `json:"lastSeen"`
}

// SQLiteStore implements PresenceStore on the service database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a presence store over an initialized database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// MarkAllOffline resets stale "online" rows left by a previous instance.
func (s *SQLiteStore) MarkAllOffline() error {
	_, err := s.db.Exec(`UPDATE devices SET status = 'offline' WHERE status = 'online'`)
	return err
}

// DeviceConnected upserts the device row as online.
func (s *SQLiteStore) DeviceConnected(id string, hotelID int64, roomNumber string) error {
	_, err := s.db.Exec(`
		INSERT INTO devices (id, hotel_id, room_number, status, connected_at, last_seen)
		VALUES (?, ?, ?, 'online', datetime('now'), datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			hotel_id = excluded.hotel_id,
			room_number = excluded.room_number,
			status = 'online',
			connected_at = excluded.connected_at,
			last_seen = excluded.last_seen
	`, id, hotelID, nullableString(roomNumber))
	return err
}

// DeviceSeen bumps last_seen on a heartbeat.
func (s *SQLiteStore) DeviceSeen(id string) error {
	_, err := s.db.Exec(`UPDATE devices SET last_seen = datetime('now') WHERE id = ?`, id)
	return err
}

// DeviceOffline marks the device row offline.
func (s *SQLiteStore) DeviceOffline(id string) error {
	_, err := s.db.Exec(`UPDATE devices SET status = 'offline' WHERE id = ?`, id)
	return err
}

// History lists known devices, most recently seen first.
func (s *SQLiteStore) History(hotelID int64) ([]DevicePresence, error) {
	query := `
		SELECT id, hotel_id, room_number, status, connected_at, last_seen
		FROM devices ORDER BY last_seen DESC`
	args := []any{}
	if hotelID != 0 {
		query = `
		SELECT id, hotel_id, room_number, status, connected_at, last_seen
		FROM devices WHERE hotel_id = ? ORDER BY last_seen DESC`
		args = append(args, hotelID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DevicePresence
	for rows.Next() {
		var p DevicePresence
		if err := rows.Scan(&p.ID, &p.HotelID, &p.RoomNumber, &p.Status, &p.ConnectedAt, &p.LastSeen); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
