package webui

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"snmp-modbus-gateway/driver/modbus"
	"snmp-modbus-gateway/driver/snmp"
	"snmp-modbus-gateway/logic"
	"snmp-modbus-gateway/oidtable"
)

// maxRegisterCount limits one /api/registers read like a Modbus read.
const maxRegisterCount = 125

type identifierStatus struct {
	Address uint16      `json:"address"`
	Name    string      `json:"name"`
	OID     string      `json:"oid"`
	Result  snmp.Result `json:"result"`
	Value   uint16      `json:"value"`
	Clamped bool        `json:"clamped"`
	Error   string      `json:"error,omitempty"`
	At      time.Time   `json:"at"`
}

type statusResponse struct {
	State         string               `json:"state"`
	Error         string               `json:"error,omitempty"`
	Params        *logic.SessionParams `json:"params,omitempty"`
	ListenAddress string               `json:"listenAddress,omitempty"`
	Passes        uint64               `json:"passes"`
	Identifiers   []identifierStatus   `json:"identifiers"`
}

func buildStatus(gw *logic.Gateway) statusResponse {
	state, lastErr := gw.State()
	resp := statusResponse{State: state, Identifiers: []identifierStatus{}}
	if lastErr != nil {
		resp.Error = lastErr.Error()
	}
	if params, ok := gw.Params(); ok {
		resp.Params = &params
	}

	b := gw.Bridge()
	if b == nil {
		return resp
	}
	resp.ListenAddress = b.ListenAddress()
	resp.Passes = b.Passes()
	for _, o := range b.Status() {
		resp.Identifiers = append(resp.Identifiers, identifierStatus{
			Address: o.Address,
			Name:    o.Name,
			OID:     o.OID,
			Result:  o.Result,
			Value:   o.Value,
			Clamped: o.Clamped,
			Error:   o.Reason(),
			At:      o.At,
		})
	}
	return resp
}

func getStatus(c *gin.Context) {
	gw, err := getGateway(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, buildStatus(gw))
}

// runningBridge writes 409 and returns nil when no bridge is running.
func runningBridge(c *gin.Context) *logic.Bridge {
	gw, err := getGateway(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil
	}
	b := gw.Bridge()
	if b == nil {
		c.JSON(http.StatusConflict, gin.H{"error": logic.ErrNotRunning.Error()})
		return nil
	}
	return b
}

func getMap(c *gin.Context) {
	if b := runningBridge(c); b != nil {
		c.JSON(http.StatusOK, b.Map())
	}
}

// getRegisters returns holding registers start..start+count-1.
//
// Example:
//
//	curl -b cookies "http://localhost:8080/api/registers?start=1&count=4"
func getRegisters(c *gin.Context) {
	start, err := strconv.Atoi(c.DefaultQuery("start", "0"))
	if err != nil || start < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start must be a non-negative number"})
		return
	}
	count, err := strconv.Atoi(c.DefaultQuery("count", "10"))
	if err != nil || count < 1 || count > maxRegisterCount {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be between 1 and " + strconv.Itoa(maxRegisterCount)})
		return
	}

	b := runningBridge(c)
	if b == nil {
		return
	}
	values, err := b.Store().ReadRange(start, count)
	if errors.Is(err, modbus.ErrOutOfRange) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"start": start, "values": values})
}

// startBridge starts the bridge from the operator form.
//
// Example:
//
//	curl -b cookies -X POST -F target=10.0.0.5 -F community=public -F snmp_port=161 \
//	  -F modbus_port=502 -F unit_id=1 http://localhost:8080/api/start
func startBridge(c *gin.Context) {
	gw, err := getGateway(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var raw logic.RawSessionParams
	if err := c.ShouldBind(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	base, _ := c.MustGet("base").(logic.SessionParams)
	params, err := logic.ParseSessionParams(raw, base)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := gw.Start(params); err != nil {
		c.JSON(startErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, buildStatus(gw))
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, logic.ErrInvalidConfiguration),
		errors.Is(err, oidtable.ErrConfiguration),
		errors.Is(err, modbus.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, logic.ErrBind):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func stopBridge(c *gin.Context) {
	gw, err := getGateway(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	gw.Stop()
	c.JSON(http.StatusOK, buildStatus(gw))
}

func restartBridge(c *gin.Context) {
	gw, err := getGateway(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := gw.Restart(); err != nil {
		status := startErrorStatus(err)
		if errors.Is(err, logic.ErrNotRunning) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, buildStatus(gw))
}

func triggerPass(c *gin.Context) {
	if b := runningBridge(c); b != nil {
		b.Trigger()
		c.JSON(http.StatusAccepted, gin.H{"passes": b.Passes()})
	}
}

// uploadIdentifiers replaces the identifier table with the mapping document
// in the request body and remaps the running bridge.
//
// Example:
//
//	curl -b cookies -X POST --data '{"uptime": "1.3.6.1.2.1.1.3.0"}' http://localhost:8080/api/identifiers
func uploadIdentifiers(c *gin.Context) {
	gw, err := getGateway(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ids, err := oidtable.Parse(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := gw.Reload(ids); err != nil {
		c.JSON(startErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"identifiers": len(ids)})
}

func getLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": logic.GetLogs()})
}

func clearLogs(c *gin.Context) {
	logic.ClearLogs()
	c.Status(http.StatusNoContent)
}

func getLocalAddress(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"address": logic.LocalIPv4()})
}
