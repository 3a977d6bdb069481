package webui

import (
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/gosnmp/gosnmp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"snmp-modbus-gateway/driver/snmp"
	"snmp-modbus-gateway/logic"
)

type fixedAgent struct {
	mu     sync.Mutex
	values map[string]int
}

func (a *fixedAgent) Get(ctx context.Context, oid string) (snmp.Sample, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.values[oid]
	if !ok {
		return snmp.Sample{}, snmp.ErrQueryTimeout
	}
	return snmp.Sample{OID: oid, Type: gosnmp.Integer, Value: v}, nil
}

type apiFixture struct {
	router *gin.Engine
	gw     *logic.Gateway
	db     *sql.DB
	hub    *Hub
	cookie string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db, err := logic.InitDB(filepath.Join(t.TempDir(), "webui.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log, _ := test.NewNullLogger()
	agent := &fixedAgent{values: map[string]int{
		"1.3.6.1.2.1.1.3.0":    42,
		"1.3.6.1.4.1.9999.1.1": 7,
	}}
	hub := NewHub()
	gw := logic.NewGateway(context.Background(), logic.GatewayOptions{
		DB:      db,
		Querier: agent,
		Sinks:   []snmp.Sink{hub},
		Log:     log,
	})
	t.Cleanup(gw.Stop)

	base := logic.DefaultSettings()
	base.SNMP.Target = "127.0.0.1"
	base.SNMP.Community = "public"
	base.SNMP.Interval = time.Hour
	base.Modbus.ListenAddress = "127.0.0.1"
	params, err := base.SessionParams()
	require.NoError(t, err)

	return &apiFixture{
		router: NewRouter(Options{DB: db, Gateway: gw, Hub: hub, Base: params}),
		gw:     gw,
		db:     db,
		hub:    hub,
	}
}

func (f *apiFixture) do(req *http.Request) *httptest.ResponseRecorder {
	if f.cookie != "" {
		req.Header.Set("Cookie", f.cookie)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) form(path string, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.do(req)
}

func (f *apiFixture) get(path string) *httptest.ResponseRecorder {
	return f.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (f *apiFixture) login(t *testing.T) {
	t.Helper()
	w := f.form("/login", url.Values{"username": {"admin"}, "password": {"password"}})
	require.Equal(t, http.StatusOK, w.Code)
	cookie := w.Header().Get("Set-Cookie")
	require.NotEmpty(t, cookie)
	f.cookie = strings.Split(cookie, ";")[0]
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return strconv.Itoa(l.Addr().(*net.TCPAddr).Port)
}

func startForm(port string) url.Values {
	return url.Values{
		"target":      {"127.0.0.1"},
		"community":   {"public"},
		"snmp_port":   {"161"},
		"modbus_port": {port},
		"unit_id":     {"1"},
	}
}

const identifiers = `{"uptime": "1.3.6.1.2.1.1.3.0", "temperature": "1.3.6.1.4.1.9999.1.1"}`

func TestLogin(t *testing.T) {
	f := newAPIFixture(t)

	w := f.get("/api/status")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.form("/login", url.Values{"username": {"admin"}, "password": {"wrong"}})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	f.login(t)
	w = f.get("/api/status")
	require.Equal(t, http.StatusOK, w.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, logic.Stopped, status.State)
	require.Empty(t, status.Identifiers)

	w = f.get("/api/profile")
	require.JSONEq(t, `{"username": "admin"}`, w.Body.String())

	w = f.get("/logout")
	require.Equal(t, http.StatusOK, w.Code)
	f.cookie = strings.Split(w.Header().Get("Set-Cookie"), ";")[0]
	require.Equal(t, http.StatusUnauthorized, f.get("/api/status").Code)
}

func TestStartServeAndStop(t *testing.T) {
	require := require.New(t)
	f := newAPIFixture(t)
	f.login(t)

	req := httptest.NewRequest(http.MethodPost, "/api/identifiers", strings.NewReader(identifiers))
	require.Equal(http.StatusAccepted, f.do(req).Code)

	require.Equal(http.StatusConflict, f.get("/api/map").Code)

	port := freePort(t)
	w := f.form("/api/start", startForm(port))
	require.Equal(http.StatusOK, w.Code, w.Body.String())

	var status statusResponse
	require.NoError(json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(logic.Running, status.State)
	require.Equal("127.0.0.1:"+port, status.ListenAddress)
	require.NotNil(status.Params)
	require.Empty(status.Params.Community)

	require.Eventually(func() bool { return f.gw.Bridge().Passes() >= 1 }, 2*time.Second, 10*time.Millisecond)

	w = f.get("/api/registers?start=1&count=2")
	require.Equal(http.StatusOK, w.Code)
	require.JSONEq(`{"start": 1, "values": [42, 7]}`, w.Body.String())

	require.Equal(http.StatusBadRequest, f.get("/api/registers?start=999&count=5").Code)
	require.Equal(http.StatusBadRequest, f.get("/api/registers?count=0").Code)

	w = f.get("/api/map")
	require.Equal(http.StatusOK, w.Code)
	var m logic.Map
	require.NoError(json.Unmarshal(w.Body.Bytes(), &m))
	require.Len(m.Entries, 2)

	w = f.get("/api/status")
	require.NoError(json.Unmarshal(w.Body.Bytes(), &status))
	require.Len(status.Identifiers, 2)
	require.Equal(snmp.Updated, status.Identifiers[0].Result)

	require.Equal(http.StatusAccepted, f.form("/api/trigger", nil).Code)

	w = f.form("/api/stop", nil)
	require.Equal(http.StatusOK, w.Code)
	require.NoError(json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(logic.Stopped, status.State)
	require.Equal(http.StatusConflict, f.get("/api/registers").Code)
}

func TestStartRejectsInvalidForm(t *testing.T) {
	f := newAPIFixture(t)
	f.login(t)

	form := startForm(freePort(t))
	form.Set("unit_id", "300")
	w := f.form("/api/start", form)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "unit id")
	require.Nil(t, f.gw.Bridge())
}

func TestStartBindConflict(t *testing.T) {
	f := newAPIFixture(t)
	f.login(t)

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	port := strconv.Itoa(taken.Addr().(*net.TCPAddr).Port)
	require.Equal(t, http.StatusConflict, f.form("/api/start", startForm(port)).Code)
}

func TestUploadIdentifiersRejectsMalformed(t *testing.T) {
	f := newAPIFixture(t)
	f.login(t)

	req := httptest.NewRequest(http.MethodPost, "/api/identifiers", strings.NewReader(`{"a": "not-an-oid"}`))
	require.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestChangePassword(t *testing.T) {
	f := newAPIFixture(t)
	f.login(t)

	change := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/changePassword", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return f.do(req).Code
	}
	require.Equal(t, http.StatusBadRequest, change(`{"currentPassword": "wrong", "newPassword": "x"}`))
	require.Equal(t, http.StatusBadRequest, change(`{"currentPassword": "password", "newPassword": ""}`))
	require.Equal(t, http.StatusOK, change(`{"currentPassword": "password", "newPassword": "n3w"}`))

	require.NoError(t, logic.CheckOperator(f.db, "admin", "n3w"))
}

func TestBrokerUsers(t *testing.T) {
	f := newAPIFixture(t)
	f.login(t)
	_, err := logic.BrokerAccessManagement(f.db, []logic.BrokerUser{{Username: "scada", Password: "s3cret"}})
	require.NoError(t, err)

	w := f.get("/api/broker-users")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), "s3cret")

	var users []User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &users))
	require.Equal(t, []User{{
		Username:   "scada",
		Allow:      true,
		AclEntries: []ACLEntry{{Topic: logic.TopicPrefix + "/#", Permission: 1, Access: "R"}},
	}}, users)
}

func TestLocalAddressAndLogs(t *testing.T) {
	f := newAPIFixture(t)

	w := f.get("/api/local-address")
	require.Equal(t, http.StatusOK, w.Code)
	var addr struct{ Address string }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &addr))
	require.NotNil(t, net.ParseIP(addr.Address))

	require.Equal(t, http.StatusUnauthorized, f.get("/api/logs").Code)
	f.login(t)
	require.Equal(t, http.StatusOK, f.get("/api/logs").Code)
	require.Equal(t, http.StatusNoContent, f.do(httptest.NewRequest(http.MethodDelete, "/api/logs", nil)).Code)
}

func TestRegisterStream(t *testing.T) {
	require := require.New(t)
	f := newAPIFixture(t)
	f.login(t)

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws-registers"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=bogus", nil)
	require.Error(err)
	require.Equal(http.StatusUnauthorized, resp.StatusCode)

	w := f.get("/api/ws-token")
	require.Equal(http.StatusOK, w.Code)
	var token struct{ Token string }
	require.NoError(json.Unmarshal(w.Body.Bytes(), &token))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token.Token, nil)
	require.NoError(err)
	defer conn.Close()

	require.Eventually(func() bool { return f.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.hub.Publish(snmp.Update{Address: 3, Name: "fan", OID: "1.3.6.1.4.1.9999.1.2", Value: 1200})

	require.NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	var u snmp.Update
	require.NoError(conn.ReadJSON(&u))
	require.Equal(uint16(3), u.Address)
	require.Equal(uint16(1200), u.Value)

	conn.Close()
	require.Eventually(func() bool { return f.hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGetPermissionText(t *testing.T) {
	require.Equal(t, "R/W", getPermissionText(3))
	require.Equal(t, "unknown", getPermissionText(9))
}
