package hub

import (
	"database/sql"

	_ "modernc.org/sqlite" // SQLite driver
)

// InitDatabase opens the presence database and creates the schema.
func InitDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		hotel_id INTEGER NOT NULL,
		room_number TEXT,
		status TEXT NOT NULL DEFAULT 'offline',
		connected_at DATETIME,
		last_seen DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_devices_hotel ON devices(hotel_id);
	CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen);
	`

	_, err := db.Exec(schema)
	return err
}
