package oidtable

import (
	"database/sql"
	"fmt"
	"time"
)

// Schema creates the table holding the persisted identifier list.
const Schema = `
	CREATE TABLE IF NOT EXISTS oid_datapoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position INT NOT NULL UNIQUE,
		name VARCHAR(100) NOT NULL,
		oid VARCHAR(255) NOT NULL,
		saved_at INTEGER NOT NULL DEFAULT 0
	);
`

// LoadDB reads the persisted identifier list ordered by position. It follows
// the LoadFile contract: empty slice plus ErrConfiguration on failure.
func LoadDB(db *sql.DB) ([]Identifier, error) {
	rows, err := db.Query(`SELECT name, oid FROM oid_datapoints ORDER BY position`)
	if err != nil {
		return []Identifier{}, fmt.Errorf("%w: querying oid_datapoints: %v", ErrConfiguration, err)
	}
	defer rows.Close()

	ids := []Identifier{}
	for rows.Next() {
		var id Identifier
		if err := rows.Scan(&id.Name, &id.OID); err != nil {
			return []Identifier{}, fmt.Errorf("%w: scanning oid_datapoints: %v", ErrConfiguration, err)
		}
		if !ValidOID(id.OID) {
			return []Identifier{}, fmt.Errorf("%w: stored identifier %q is not dotted-numeric", ErrConfiguration, id.OID)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return []Identifier{}, fmt.Errorf("%w: iterating oid_datapoints: %v", ErrConfiguration, err)
	}
	return ids, nil
}

// SavedAt returns when the persisted identifier list was last saved, or the
// zero time when nothing is stored.
func SavedAt(db *sql.DB) (time.Time, error) {
	var nanos sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(saved_at) FROM oid_datapoints`).Scan(&nanos); err != nil {
		return time.Time{}, fmt.Errorf("%w: querying oid_datapoints: %v", ErrConfiguration, err)
	}
	if !nanos.Valid || nanos.Int64 == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, nanos.Int64), nil
}

// SaveDB replaces the persisted identifier list with ids, keeping their order.
func SaveDB(db *sql.DB, ids []Identifier) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM oid_datapoints`); err != nil {
		tx.Rollback()
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO oid_datapoints (position, name, oid, saved_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for i, id := range ids {
		if _, err := stmt.Exec(i, id.Name, id.OID, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
