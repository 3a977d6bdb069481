package logic

import (
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// MQTT topics of the embedded broker.
const (
	TopicPrefix      = "snmp-modbus-gateway"
	TopicBridgeState = TopicPrefix + "/bridge/state"
	TopicBridgeMap   = TopicPrefix + "/bridge/map"
	TopicRegisters   = TopicPrefix + "/registers/"
)

// RegisterTopic returns the topic a register update is published on.
func RegisterTopic(address uint16) string {
	return TopicRegisters + strconv.Itoa(int(address))
}

// Publisher is satisfied by the embedded broker's inline client.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool, qos byte) error
}

// genRandomPW returns a random URL-safe password.
func genRandomPW() string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		logrus.Fatal(err)
	}
	return base64.URLEncoding.EncodeToString(b)
}

// publishWithBackoff publishes a retained message, doubling the wait after
// every failed attempt.
func publishWithBackoff(pub Publisher, topic string, payload []byte, maxRetries int) {
	if pub == nil {
		return
	}
	backoff := 200 * time.Millisecond
	for i := 0; i < maxRetries; i++ {
		err := pub.Publish(topic, payload, true, 1)
		if err == nil {
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	logrus.Errorf("GW: Failed to publish %s after %d retries", topic, maxRetries)
}
