package mqtt_broker

import (
	"database/sql"

	yaml "gopkg.in/yaml.v2"

	"snmp-modbus-gateway/logic"
)

// authLedger is the document the auth hook reads.
type authLedger struct {
	Auth []logic.Auth `yaml:"auth"`
	ACL  []logic.ACL  `yaml:"acl"`
}

// loadAuthDataFromDB lädt Authentifizierungsdaten aus der SQLite-Datenbank
func loadAuthDataFromDB(db *sql.DB) ([]byte, error) {
	auths, acls, err := logic.LoadBrokerUsers(db)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(authLedger{Auth: auths, ACL: acls})
}
