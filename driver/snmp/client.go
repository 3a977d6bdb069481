package snmp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Defaults used when a Config leaves a field empty.
const (
	DefaultPort    = 161
	DefaultTimeout = 3 * time.Second
	DefaultRetries = 1
)

// Config addresses one SNMPv1 agent.
type Config struct {
	Target    string
	Port      uint16
	Community string
	Timeout   time.Duration
	Retries   int
}

// Client issues SNMPv1 GET requests with community authentication. Each Get
// opens its own UDP socket, so a Client is safe for concurrent use.
type Client struct {
	cfg Config
}

// NewClient returns a client for the agent described by cfg.
func NewClient(cfg Config) *Client {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Client{cfg: cfg}
}

// Get reads a single identifier.
//
// Errors:
//   - ErrQueryTimeout when the agent cannot be reached or does not answer
//     within Timeout after all retries.
//   - ErrQueryStatus when the response carries an error status or one of the
//     noSuchObject, noSuchInstance or endOfMibView exceptions.
func (c *Client) Get(ctx context.Context, oid string) (Sample, error) {
	g := &gosnmp.GoSNMP{
		Target:    c.cfg.Target,
		Port:      c.cfg.Port,
		Community: c.cfg.Community,
		Version:   gosnmp.Version1,
		Timeout:   c.cfg.Timeout,
		Retries:   c.cfg.Retries,
		Context:   ctx,
	}
	if err := g.Connect(); err != nil {
		return Sample{}, fmt.Errorf("%w: %s: %v", ErrQueryTimeout, oid, err)
	}
	defer g.Conn.Close()

	pkt, err := g.Get([]string{oid})
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %s: %v", ErrQueryTimeout, oid, err)
	}
	if pkt.Error != gosnmp.NoError {
		return Sample{}, fmt.Errorf("%w: %s: status %v", ErrQueryStatus, oid, pkt.Error)
	}
	if len(pkt.Variables) == 0 {
		return Sample{}, fmt.Errorf("%w: %s: empty response", ErrQueryStatus, oid)
	}

	v := pkt.Variables[0]
	switch v.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return Sample{}, fmt.Errorf("%w: %s: %v", ErrQueryStatus, oid, v.Type)
	}
	return Sample{OID: oid, Type: v.Type, Value: v.Value}, nil
}

// Target returns "host:port" of the agent.
func (c *Client) Target() string {
	return net.JoinHostPort(c.cfg.Target, strconv.Itoa(int(c.cfg.Port)))
}
