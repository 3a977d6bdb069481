// Benutzerverwaltung für den MQTT-Broker und die Web-UI.
package logic

import (
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
)

// ErrUnauthorized is returned for unknown operators or wrong passwords.
var ErrUnauthorized = errors.New("invalid username or password")

// addUser adds a broker account with its ACL unless the username exists.
func addUser(db *sql.DB, username, password string, allow bool, filters Filters) error {
	exists, err := userExists(db, username)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("INSERT INTO auth (username, password, allow) VALUES (?, ?, ?)", username, password, allow); err != nil {
		return err
	}
	for topic, permission := range filters {
		if _, err := tx.Exec("INSERT INTO acl (username, topic, permission) VALUES (?, ?, ?)", username, topic, permission); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// deleteUser removes a broker account and its ACL.
func deleteUser(db *sql.DB, username string) error {
	if _, err := db.Exec("DELETE FROM acl WHERE username = ?", username); err != nil {
		return err
	}
	_, err := db.Exec("DELETE FROM auth WHERE username = ?", username)
	return err
}

func userExists(db *sql.DB, username string) (bool, error) {
	var userCount int
	err := db.QueryRow("SELECT COUNT(*) FROM auth WHERE username = ?", username).Scan(&userCount)
	if err != nil {
		return false, err
	}
	return userCount > 0, nil
}

// BrokerAccessManagement makes sure the broker knows the configured users.
// Users from the settings replace stored accounts of the same name. When no
// user is configured and none is stored, an "admin" account with a random
// password is created and its password returned.
func BrokerAccessManagement(db *sql.DB, users []BrokerUser) (string, error) {
	for _, u := range users {
		filters := Filters(u.Filters)
		if len(filters) == 0 {
			filters = Filters{TopicPrefix + "/#": 1}
		}
		if err := deleteUser(db, u.Username); err != nil {
			return "", fmt.Errorf("failed to replace broker user %s: %v", u.Username, err)
		}
		if err := addUser(db, u.Username, u.Password, true, filters); err != nil {
			return "", fmt.Errorf("failed to create broker user %s: %v", u.Username, err)
		}
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM auth").Scan(&count); err != nil {
		return "", err
	}
	if count > 0 {
		return "", nil
	}

	password := genRandomPW()
	if err := addUser(db, "admin", password, true, Filters{"#": 3}); err != nil {
		return "", fmt.Errorf("failed to create user for admin: %v", err)
	}
	return password, nil
}

// LoadBrokerUsers returns every broker account with its ACL.
func LoadBrokerUsers(db *sql.DB) ([]Auth, []ACL, error) {
	rows, err := db.Query("SELECT username, password, allow FROM auth ORDER BY username")
	if err != nil {
		return nil, nil, err
	}
	var auths []Auth
	for rows.Next() {
		var a Auth
		if err := rows.Scan(&a.Username, &a.Password, &a.Allow); err != nil {
			rows.Close()
			return nil, nil, err
		}
		auths = append(auths, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	acls := make([]ACL, 0, len(auths))
	for _, a := range auths {
		filters, err := loadFilters(db, a.Username)
		if err != nil {
			return nil, nil, err
		}
		acls = append(acls, ACL{Username: a.Username, Filters: filters})
	}
	return auths, acls, nil
}

func loadFilters(db *sql.DB, username string) (Filters, error) {
	rows, err := db.Query("SELECT topic, permission FROM acl WHERE username = ?", username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	filters := make(Filters)
	for rows.Next() {
		var topic string
		var permission int
		if err := rows.Scan(&topic, &permission); err != nil {
			return nil, err
		}
		filters[topic] = permission
	}
	return filters, rows.Err()
}

// CheckOperator verifies web UI credentials.
func CheckOperator(db *sql.DB, username, password string) error {
	var stored string
	err := db.QueryRow("SELECT password FROM users WHERE username = ?", username).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1) {
		return ErrUnauthorized
	}
	return err
}

// ChangeOperatorPassword replaces the web UI password of username after
// checking the current one.
func ChangeOperatorPassword(db *sql.DB, username, current, next string) error {
	if err := CheckOperator(db, username, current); err != nil {
		return err
	}
	if next == "" {
		return fmt.Errorf("%w: empty password", ErrInvalidConfiguration)
	}
	_, err := db.Exec("UPDATE users SET password = ? WHERE username = ?", next, username)
	return err
}
