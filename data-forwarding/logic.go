package dataforwarding

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Forwarding modes.
const (
	ModeCyclic   = "cyclic"
	ModeOnChange = "on-change"
)

// ParseMode accepts the mode names of the settings file.
func ParseMode(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", ModeOnChange, "onchange", "beiaenderung":
		return ModeOnChange, nil
	case ModeCyclic, "zyklisch":
		return ModeCyclic, nil
	}
	return "", fmt.Errorf("unknown forwarding mode %q", s)
}

// Policy decides per register whether an update is forwarded.
//
// In cyclic mode a register is forwarded at most once per interval. In
// on-change mode it is forwarded whenever its value differs from the last
// forwarded one. The first update of every register is always forwarded.
type Policy struct {
	mode     string
	interval time.Duration

	mu              sync.Mutex
	lastKnownValues map[uint16]uint16
	lastSentTimes   map[uint16]time.Time
}

func NewPolicy(mode string, interval time.Duration) *Policy {
	return &Policy{
		mode:            mode,
		interval:        interval,
		lastKnownValues: make(map[uint16]uint16),
		lastSentTimes:   make(map[uint16]time.Time),
	}
}

// ShouldSend reports whether value of the register at address is forwarded
// at now, and records it when it is.
func (p *Policy) ShouldSend(address, value uint16, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.mode {
	case ModeCyclic:
		if lastTime, ok := p.lastSentTimes[address]; ok && now.Sub(lastTime) < p.interval {
			return false
		}
		p.lastSentTimes[address] = now
		return true
	default:
		if lastValue, ok := p.lastKnownValues[address]; ok && lastValue == value {
			return false
		}
		p.lastKnownValues[address] = value
		return true
	}
}
