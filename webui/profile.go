package webui

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"snmp-modbus-gateway/logic"
)

func getProfile(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"username": c.GetString("user")})
}

func changePassword(c *gin.Context) {
	db, err := getDBConnection(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var passwordData struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := c.ShouldBindJSON(&passwordData); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	err = logic.ChangeOperatorPassword(db, c.GetString("user"), passwordData.CurrentPassword, passwordData.NewPassword)
	switch {
	case errors.Is(err, logic.ErrUnauthorized):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Current password is incorrect"})
	case errors.Is(err, logic.ErrInvalidConfiguration):
		c.JSON(http.StatusBadRequest, gin.H{"error": "New password must not be empty"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error updating password"})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Password updated successfully!"})
	}
}
