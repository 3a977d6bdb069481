// Package snmp polls SNMPv1 agents and writes the converted values into the
// holding registers of a modbus.Store.
package snmp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"

	"snmp-modbus-gateway/oidtable"
)

var (
	// ErrQueryTimeout covers transport failures and unanswered requests.
	ErrQueryTimeout = errors.New("snmp query timed out")
	// ErrQueryStatus is returned when the agent answers with an error status
	// or an exception value for the requested identifier.
	ErrQueryStatus = errors.New("snmp agent reported an error")
	// ErrValueConversion is returned for samples that are not numeric.
	ErrValueConversion = errors.New("snmp value is not numeric")
)

// Sample is the raw value of one identifier, before conversion.
type Sample struct {
	OID   string
	Type  gosnmp.Asn1BER
	Value interface{}
}

// Querier fetches a single identifier from the remote agent.
type Querier interface {
	Get(ctx context.Context, oid string) (Sample, error)
}

// Writer is the register bank the poller writes into.
type Writer interface {
	Write(address int, value uint16) error
}

// Result tells a stored value apart from a failed query.
type Result int

const (
	// NoValue means the query or conversion failed; the register keeps its
	// previous content.
	NoValue Result = iota
	// Updated means the register now holds Value.
	Updated
)

func (r Result) String() string {
	if r == Updated {
		return "updated"
	}
	return "no value"
}

// MarshalText renders the result by name in JSON documents.
func (r Result) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText parses the name written by MarshalText.
func (r *Result) UnmarshalText(text []byte) error {
	switch string(text) {
	case "updated":
		*r = Updated
	case "no value":
		*r = NoValue
	default:
		return fmt.Errorf("unknown poll result %q", text)
	}
	return nil
}

// Outcome is what one poll of one identifier produced.
type Outcome struct {
	oidtable.Entry
	Result  Result    `json:"result"`
	Value   uint16    `json:"value"`
	Clamped bool      `json:"clamped"`
	Err     error     `json:"-"`
	At      time.Time `json:"at"`
}

// Reason returns the failure text, empty for updated registers.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Update is handed to every Sink after a register was written.
type Update struct {
	Address   uint16    `json:"address"`
	Name      string    `json:"name"`
	OID       string    `json:"oid"`
	Value     uint16    `json:"value"`
	Clamped   bool      `json:"clamped"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives register updates. Publish is called from the polling
// goroutine and must not block.
type Sink interface {
	Publish(Update)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Update)

// Publish calls f(u).
func (f SinkFunc) Publish(u Update) { f(u) }
