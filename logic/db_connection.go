package logic

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"snmp-modbus-gateway/oidtable"
)

// SQL-Queries als Konstanten definieren
const (
	createAuthTable = `
		CREATE TABLE IF NOT EXISTS auth (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			allow BOOLEAN NOT NULL
		);
	`

	createACLTable = `
		CREATE TABLE IF NOT EXISTS acl (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			topic TEXT NOT NULL,
			permission INTEGER NOT NULL,
			FOREIGN KEY(username) REFERENCES auth(username)
		);
	`

	createUsersTable = `
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL
		);
	`

	// A single row (id = 1) holding the parameters of the last start.
	createBridgeSettingsTable = `
		CREATE TABLE IF NOT EXISTS bridge_settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			target TEXT NOT NULL,
			community TEXT NOT NULL,
			snmp_port INT NOT NULL,
			listen_address TEXT NOT NULL,
			modbus_port INT NOT NULL,
			unit_id INT NOT NULL,
			base_address INT NOT NULL,
			status TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
)

// InitDB opens the SQLite database at dbPath, creating file and tables when
// they do not exist yet.
func InitDB(dbPath string) (*sql.DB, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		file, err := os.Create(dbPath)
		if err != nil {
			return nil, err
		}
		file.Close()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	tables := []string{
		createAuthTable,
		createACLTable,
		createUsersTable,
		createBridgeSettingsTable,
		oidtable.Schema,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			db.Close()
			return nil, err
		}
	}

	// Default operator account for the web UI.
	var countUsers int
	if err := db.QueryRow("SELECT COUNT(*) FROM users").Scan(&countUsers); err != nil {
		db.Close()
		return nil, err
	}
	if countUsers == 0 {
		if _, err := db.Exec("INSERT INTO users (username, password) VALUES (?, ?)", "admin", "password"); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

// SaveSessionParams stores p as the parameters of the last start together
// with the bridge state.
func SaveSessionParams(db *sql.DB, p SessionParams, status string) error {
	_, err := db.Exec(`
		INSERT INTO bridge_settings (id, target, community, snmp_port, listen_address, modbus_port, unit_id, base_address, status, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			target = excluded.target,
			community = excluded.community,
			snmp_port = excluded.snmp_port,
			listen_address = excluded.listen_address,
			modbus_port = excluded.modbus_port,
			unit_id = excluded.unit_id,
			base_address = excluded.base_address,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, p.Target, p.Community, p.SNMPPort, p.ListenAddress, p.ModbusPort, p.UnitID, p.BaseAddress, status,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving bridge settings: %w", err)
	}
	return nil
}

// LoadSessionParams overlays the stored parameters of the last start onto
// base. ok is false when nothing was stored yet.
func LoadSessionParams(db *sql.DB, base SessionParams) (p SessionParams, ok bool, err error) {
	p = base
	err = db.QueryRow(`
		SELECT target, community, snmp_port, listen_address, modbus_port, unit_id, base_address
		FROM bridge_settings WHERE id = 1
	`).Scan(&p.Target, &p.Community, &p.SNMPPort, &p.ListenAddress, &p.ModbusPort, &p.UnitID, &p.BaseAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return base, false, nil
	}
	if err != nil {
		return base, false, fmt.Errorf("loading bridge settings: %w", err)
	}
	return p, true, nil
}

// updateBridgeStatus records the bridge state next to the stored settings.
func updateBridgeStatus(db *sql.DB, status string) error {
	_, err := db.Exec("UPDATE bridge_settings SET status = ?, updated_at = ? WHERE id = 1",
		status, time.Now().UTC().Format(time.RFC3339))
	return err
}
