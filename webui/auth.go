package webui

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"snmp-modbus-gateway/logic"
)

// performLogin handles the login form submission.
//
// It checks username and password against the operator accounts and starts
// a session on success.
//
// Example:
//
//	curl -c cookies -X POST -F "username=admin" -F "password=password" http://localhost:8080/login
func performLogin(c *gin.Context) {
	dbConn, err := getDBConnection(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	username := c.PostForm("username")
	password := c.PostForm("password")

	if err := logic.CheckOperator(dbConn, username, password); err != nil {
		if errors.Is(err, logic.ErrUnauthorized) {
			logrus.Warnf("WEBUI: Failed login for %q", username)
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "username": username})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	session := sessions.Default(c)
	session.Set("user", username)
	session.Set("loginTime", time.Now().Unix())
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": username})
}

// logout deletes the session.
func logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Delete("user")
	session.Delete("loginTime")
	session.Save()
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// authRequired aborts requests without a logged-in operator.
func authRequired(c *gin.Context) {
	session := sessions.Default(c)
	user, ok := session.Get("user").(string)
	if !ok || user == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login required"})
		return
	}
	c.Set("user", user)
	c.Next()
}
