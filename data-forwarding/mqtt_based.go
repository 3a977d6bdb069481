package dataforwarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"snmp-modbus-gateway/driver/snmp"
	"snmp-modbus-gateway/logic"
)

const (
	forwardQueueSize = 256
	connectTimeout   = 10 * time.Second
	publishTimeout   = 5 * time.Second
)

// ErrNoBroker is returned when forwarding is configured without a broker.
var ErrNoBroker = errors.New("no forwarding broker configured")

// Forwarder passes register updates on to an external MQTT broker. It is an
// snmp.Sink: updates the policy accepts are queued and published by a
// worker, so the poller never waits on the network.
type Forwarder struct {
	client  MQTT.Client
	topic   string
	policy  *Policy
	queue   chan snmp.Update
	dropped atomic.Uint64
	done    chan struct{}
}

// NewForwarder connects to the broker of settings and forwards until ctx is
// cancelled.
func NewForwarder(ctx context.Context, settings logic.ForwardSettings) (*Forwarder, error) {
	if settings.Broker == "" {
		return nil, ErrNoBroker
	}
	mode, err := ParseMode(settings.Mode)
	if err != nil {
		return nil, err
	}

	opts := MQTT.NewClientOptions().
		AddBroker(settings.Broker).
		SetClientID(fmt.Sprintf("%s-forwarder-%d", logic.TopicPrefix, time.Now().UnixNano())).
		SetUsername(settings.Username).
		SetPassword(settings.Password).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true)

	client := MQTT.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connecting to %s timed out", settings.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("error connecting to MQTT broker %s: %w", settings.Broker, err)
	}

	topic := settings.Topic
	if topic == "" {
		topic = logic.TopicPrefix
	}
	f := &Forwarder{
		client: client,
		topic:  topic,
		policy: NewPolicy(mode, settings.Interval),
		queue:  make(chan snmp.Update, forwardQueueSize),
		done:   make(chan struct{}),
	}
	go f.run(ctx)

	logrus.Infof("FWD: Forwarding register updates to %s (%s, mode %s)", settings.Broker, topic, mode)
	return f, nil
}

// Publish implements snmp.Sink.
func (f *Forwarder) Publish(u snmp.Update) {
	if !f.policy.ShouldSend(u.Address, u.Value, u.Timestamp) {
		return
	}
	select {
	case f.queue <- u:
	default:
		if f.dropped.Add(1)%100 == 1 {
			logrus.Warnf("FWD: Queue full, dropped %d updates", f.dropped.Load())
		}
	}
}

// Topic returns the topic an update of the register at address is sent to.
func (f *Forwarder) Topic(address uint16) string {
	return f.topic + "/registers/" + strconv.Itoa(int(address))
}

// Done is closed once the worker stopped and the client disconnected.
func (f *Forwarder) Done() <-chan struct{} { return f.done }

func (f *Forwarder) run(ctx context.Context) {
	defer close(f.done)
	defer f.client.Disconnect(250)

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-f.queue:
			if err := f.forward(u); err != nil {
				logrus.Errorf("FWD: Error forwarding register %d: %v", u.Address, err)
			}
		}
	}
}

func (f *Forwarder) forward(u snmp.Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}
	token := f.client.Publish(f.Topic(u.Address), 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timed out")
	}
	return token.Error()
}
