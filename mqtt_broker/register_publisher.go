package mqtt_broker

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"snmp-modbus-gateway/driver/snmp"
	"snmp-modbus-gateway/logic"
)

const registerQueueSize = 256

// RegisterPublisher publishes every register update as retained JSON on
// logic.RegisterTopic. Updates are queued so the poller never waits on the
// broker; when the queue is full the update is dropped.
type RegisterPublisher struct {
	pub     logic.Publisher
	queue   chan snmp.Update
	dropped atomic.Uint64
}

// NewRegisterPublisher starts a worker publishing through pub until ctx is
// cancelled.
func NewRegisterPublisher(ctx context.Context, pub logic.Publisher) *RegisterPublisher {
	p := &RegisterPublisher{
		pub:   pub,
		queue: make(chan snmp.Update, registerQueueSize),
	}
	go p.run(ctx)
	return p
}

// Publish implements snmp.Sink.
func (p *RegisterPublisher) Publish(u snmp.Update) {
	select {
	case p.queue <- u:
	default:
		if p.dropped.Add(1)%100 == 1 {
			logrus.Warnf("MQTT-Broker: Register queue full, dropped %d updates", p.dropped.Load())
		}
	}
}

// Dropped returns the number of updates lost to a full queue.
func (p *RegisterPublisher) Dropped() uint64 { return p.dropped.Load() }

func (p *RegisterPublisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-p.queue:
			payload, err := json.Marshal(u)
			if err != nil {
				logrus.Errorf("MQTT-Broker: Could not encode update of register %d: %v", u.Address, err)
				continue
			}
			if err := p.pub.Publish(logic.RegisterTopic(u.Address), payload, true, 0); err != nil {
				logrus.Errorf("MQTT-Broker: Publishing register %d failed: %v", u.Address, err)
			}
		}
	}
}
