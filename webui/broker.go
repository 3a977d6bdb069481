package webui

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"snmp-modbus-gateway/logic"
)

// User is a broker account as shown to the operator, without its password.
type User struct {
	Username   string     `json:"username"`
	Allow      bool       `json:"allow"`
	AclEntries []ACLEntry `json:"aclEntries"`
}

// ACLEntry defines the ACL topic and its associated permission for a user.
type ACLEntry struct {
	Topic      string `json:"topic"`
	Permission int    `json:"permission"`
	Access     string `json:"access"`
}

// Gibt User und deren ACL-Einträge zurück
func getBrokerUsers(c *gin.Context) {
	db, err := getDBConnection(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	auths, acls, err := logic.LoadBrokerUsers(db)
	if err != nil {
		logrus.Errorf("WEBUI: Loading broker users: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	filters := make(map[string]logic.Filters, len(acls))
	for _, acl := range acls {
		filters[acl.Username] = acl.Filters
	}

	users := make([]User, 0, len(auths))
	for _, a := range auths {
		user := User{Username: a.Username, Allow: a.Allow, AclEntries: []ACLEntry{}}
		for topic, permission := range filters[a.Username] {
			user.AclEntries = append(user.AclEntries, ACLEntry{
				Topic:      topic,
				Permission: permission,
				Access:     getPermissionText(permission),
			})
		}
		users = append(users, user)
	}

	c.JSON(http.StatusOK, users)
}
