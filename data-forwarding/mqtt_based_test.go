package dataforwarding

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"snmp-modbus-gateway/driver/snmp"
	"snmp-modbus-gateway/logic"
	"snmp-modbus-gateway/mqtt_broker"
)

func startBroker(t *testing.T) (*mqtt_broker.Broker, string) {
	t.Helper()
	db, err := logic.InitDB(filepath.Join(t.TempDir(), "fwd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	b, err := mqtt_broker.StartBroker(db, logic.MQTTSettings{
		Enabled: true,
		Address: addr,
		Users:   []logic.BrokerUser{{Username: "fwd", Password: "pw", Filters: map[string]int{"#": 3}}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, addr
}

func TestNewForwarder_RequiresBroker(t *testing.T) {
	_, err := NewForwarder(context.Background(), logic.ForwardSettings{})
	require.ErrorIs(t, err, ErrNoBroker)

	_, err = NewForwarder(context.Background(), logic.ForwardSettings{Broker: "tcp://127.0.0.1:1", Mode: "never"})
	require.Error(t, err)
}

func TestForwarder_OnChange(t *testing.T) {
	require := require.New(t)
	broker, addr := startBroker(t)

	var mu sync.Mutex
	var got []snmp.Update
	require.NoError(broker.Subscribe("plant/registers/#", 1, func(topic string, payload []byte) {
		var u snmp.Update
		if err := json.Unmarshal(payload, &u); err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		got = append(got, u)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	f, err := NewForwarder(ctx, logic.ForwardSettings{
		Broker:   "tcp://" + addr,
		Username: "fwd",
		Password: "pw",
		Topic:    "plant",
		Mode:     ModeOnChange,
	})
	require.NoError(err)
	require.Equal("plant/registers/7", f.Topic(7))

	now := time.Now()
	f.Publish(snmp.Update{Address: 1, Name: "uptime", Value: 42, Timestamp: now})
	f.Publish(snmp.Update{Address: 1, Name: "uptime", Value: 42, Timestamp: now})
	f.Publish(snmp.Update{Address: 1, Name: "uptime", Value: 43, Timestamp: now})

	require.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(uint16(42), got[0].Value)
	require.Equal(uint16(43), got[1].Value)
	mu.Unlock()

	cancel()
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop")
	}
}

func TestNewForwarder_WrongPassword(t *testing.T) {
	_, addr := startBroker(t)

	_, err := NewForwarder(context.Background(), logic.ForwardSettings{
		Broker:   "tcp://" + addr,
		Username: "fwd",
		Password: "wrong",
	})
	require.Error(t, err)
}
