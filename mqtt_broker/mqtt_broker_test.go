package mqtt_broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v2"

	"snmp-modbus-gateway/driver/snmp"
	"snmp-modbus-gateway/logic"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := logic.InitDB(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func startTestBroker(t *testing.T, users []logic.BrokerUser) (*Broker, string) {
	t.Helper()
	addr := freeAddr(t)
	b, err := StartBroker(testDB(t), logic.MQTTSettings{Enabled: true, Address: addr, Users: users})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, addr
}

func connect(addr, username, password string) error {
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID(fmt.Sprintf("test-%s-%d", username, time.Now().UnixNano())).
		SetUsername(username).
		SetPassword(password).
		SetConnectTimeout(2 * time.Second).
		SetAutoReconnect(false)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(3 * time.Second) {
		return fmt.Errorf("connect timed out")
	}
	if err := token.Error(); err != nil {
		return err
	}
	client.Disconnect(100)
	return nil
}

func TestBroker_Authentication(t *testing.T) {
	_, addr := startTestBroker(t, []logic.BrokerUser{{Username: "scada", Password: "s3cret"}})

	require.NoError(t, connect(addr, "scada", "s3cret"))
	require.Error(t, connect(addr, "scada", "wrong"))
	require.Error(t, connect(addr, "intruder", "s3cret"))
}

func TestLoadAuthDataFromDB(t *testing.T) {
	db := testDB(t)
	_, err := logic.BrokerAccessManagement(db, []logic.BrokerUser{{Username: "scada", Password: "s3cret"}})
	require.NoError(t, err)

	raw, err := loadAuthDataFromDB(db)
	require.NoError(t, err)

	var ledger authLedger
	require.NoError(t, yaml.Unmarshal(raw, &ledger))
	require.Equal(t, []logic.Auth{{Username: "scada", Password: "s3cret", Allow: true}}, ledger.Auth)
	require.Equal(t, logic.Filters{logic.TopicPrefix + "/#": 1}, ledger.ACL[0].Filters)
}

func TestStartBroker_AddressInUse(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	_, err = StartBroker(testDB(t), logic.MQTTSettings{Enabled: true, Address: taken.Addr().String()})
	require.Error(t, err)
}

func TestRegisterPublisher(t *testing.T) {
	require := require.New(t)
	b, _ := startTestBroker(t, nil)

	var mu sync.Mutex
	received := map[string]snmp.Update{}
	require.NoError(b.Subscribe(logic.TopicRegisters+"#", 1, func(topic string, payload []byte) {
		var u snmp.Update
		if err := json.Unmarshal(payload, &u); err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		received[topic] = u
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewRegisterPublisher(ctx, b)

	p.Publish(snmp.Update{Address: 1, Name: "uptime", OID: "1.3.6.1.2.1.1.3.0", Value: 42, Timestamp: time.Now()})
	p.Publish(snmp.Update{Address: 2, Name: "temperature", OID: "1.3.6.1.4.1.9999.1.1", Value: 65535, Clamped: true, Timestamp: time.Now()})

	require.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(uint16(42), received[logic.RegisterTopic(1)].Value)
	require.True(received[logic.RegisterTopic(2)].Clamped)
	require.Zero(p.Dropped())
}

type blockedPublisher struct{ release chan struct{} }

func (p *blockedPublisher) Publish(string, []byte, bool, byte) error {
	<-p.release
	return nil
}

func TestRegisterPublisher_DropsWhenFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pub := &blockedPublisher{release: make(chan struct{})}
	defer func() {
		cancel()
		close(pub.release)
	}()

	p := NewRegisterPublisher(ctx, pub)
	for i := 0; i < registerQueueSize+10; i++ {
		p.Publish(snmp.Update{Address: uint16(i)})
	}
	// One update may be held by the worker, the rest fill the queue.
	require.GreaterOrEqual(t, p.Dropped(), uint64(9))
}
