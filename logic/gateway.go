package logic

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"snmp-modbus-gateway/driver/modbus"
	"snmp-modbus-gateway/driver/snmp"
	"snmp-modbus-gateway/oidtable"
)

// Bridge states as published on TopicBridgeState.
const (
	Stopped       = "0 (stopped)"
	Running       = "1 (running)"
	Initializing  = "2 (initializing)"
	Error         = "3 (error)"
	NoIdentifiers = "4 (no identifiers)"
)

// ErrNotRunning is returned by operations that need a running bridge.
var ErrNotRunning = errors.New("bridge is not running")

const outboxSize = 64

type outgoing struct {
	topic   string
	payload []byte
}

// GatewayOptions wires a Gateway to the rest of the process.
type GatewayOptions struct {
	DB        *sql.DB
	Publisher Publisher
	Sinks     []snmp.Sink
	OIDFile   string
	// Querier replaces the SNMP client, used by tests.
	Querier  snmp.Querier
	Identity *modbus.Identity
	Log      logrus.FieldLogger
}

// Gateway owns the bridge of the process: it starts, stops and restarts it,
// persists its settings and identifier table and publishes its state.
type Gateway struct {
	ctx  context.Context
	opts GatewayOptions
	log  logrus.FieldLogger

	mu      sync.Mutex
	bridge  *Bridge
	params  SessionParams
	started bool
	state   string
	lastErr error

	// State and map messages in publish order.
	outbox chan outgoing
}

// NewGateway returns a stopped gateway. Bridges it starts live until ctx
// is cancelled or Stop is called.
func NewGateway(ctx context.Context, opts GatewayOptions) *Gateway {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	g := &Gateway{
		ctx:    ctx,
		opts:   opts,
		log:    log,
		state:  Stopped,
		outbox: make(chan outgoing, outboxSize),
	}
	if opts.Publisher != nil {
		go g.runOutbox()
	}
	return g
}

// Start stops a running bridge and starts a new one from params.
func (g *Gateway) Start(params SessionParams) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.start(params)
}

func (g *Gateway) start(params SessionParams) error {
	if err := params.Validate(); err != nil {
		g.lastErr = err
		g.log.Errorf("GW: Refusing to start: %v", err)
		return err
	}

	g.stop()
	g.setState(Initializing)

	ids, err := g.Identifiers()
	if err != nil {
		g.log.Warnf("GW: Starting without identifiers: %v", err)
	}

	b, err := StartBridge(g.ctx, params, ids, BridgeOptions{
		Querier:  g.opts.Querier,
		Identity: g.opts.Identity,
		Log:      g.log,
		Sinks:    g.opts.Sinks,
		OnRemap:  g.publishMap,
	})
	if err != nil {
		g.lastErr = err
		g.setState(Error)
		g.log.Errorf("GW: Bridge start failed: %v", err)
		return err
	}

	g.bridge = b
	g.params = params
	g.started = true
	g.lastErr = nil

	state := Running
	if len(ids) == 0 {
		state = NoIdentifiers
	}
	if g.opts.DB != nil {
		if err := SaveSessionParams(g.opts.DB, params, state); err != nil {
			g.log.Errorf("GW: %v", err)
		}
	}
	g.setState(state)

	go g.watch(b)
	g.log.Infof("GW: Bridge started on %s.", b.ListenAddress())
	return nil
}

// watch marks the gateway stopped when the bridge ends on its own, which
// happens when the parent context is cancelled.
func (g *Gateway) watch(b *Bridge) {
	<-b.Done()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bridge == b {
		g.bridge = nil
		g.setState(Stopped)
	}
}

// Stop stops the running bridge, if any.
func (g *Gateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stop()
}

func (g *Gateway) stop() {
	if g.bridge == nil {
		return
	}
	b := g.bridge
	g.bridge = nil
	b.Stop()
	g.setState(Stopped)
	g.log.Info("GW: Bridge stopped.")
}

// Restart starts the bridge again with the parameters of the last start.
func (g *Gateway) Restart() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		return ErrNotRunning
	}
	g.log.Info("GW: Restarting bridge...")
	return g.start(g.params)
}

// Identifiers returns the identifier table of the next start: the stored
// table when there is one, unless the identifier file was modified after it
// was stored; the file is then read and stored. A malformed file never
// replaces a stored table. The result is never nil.
func (g *Gateway) Identifiers() ([]oidtable.Identifier, error) {
	stored, storedAt := g.storedIdentifiers()
	if len(stored) > 0 && !g.fileModifiedAfter(storedAt) {
		return stored, nil
	}
	if g.opts.OIDFile == "" {
		return []oidtable.Identifier{}, nil
	}

	ids, err := oidtable.LoadFile(g.opts.OIDFile)
	if err != nil {
		if len(stored) > 0 {
			g.log.Warnf("GW: Identifier file ignored, using the stored table: %v", err)
			return stored, nil
		}
		return ids, err
	}
	if len(stored) > 0 {
		g.log.Infof("GW: Identifier file %s is newer than the stored table, using the file.", g.opts.OIDFile)
	}
	if g.opts.DB != nil {
		if err := oidtable.SaveDB(g.opts.DB, ids); err != nil {
			g.log.Errorf("GW: Could not store identifiers: %v", err)
		}
	}
	return ids, nil
}

func (g *Gateway) storedIdentifiers() ([]oidtable.Identifier, time.Time) {
	if g.opts.DB == nil {
		return nil, time.Time{}
	}
	ids, err := oidtable.LoadDB(g.opts.DB)
	if err != nil {
		g.log.Warnf("GW: %v", err)
		return nil, time.Time{}
	}
	savedAt, err := oidtable.SavedAt(g.opts.DB)
	if err != nil {
		g.log.Warnf("GW: %v", err)
	}
	return ids, savedAt
}

func (g *Gateway) fileModifiedAfter(t time.Time) bool {
	if g.opts.OIDFile == "" {
		return false
	}
	info, err := os.Stat(g.opts.OIDFile)
	if err != nil {
		return false
	}
	return info.ModTime().After(t)
}

// Reload stores ids as the identifier table and remaps the running bridge.
// Without a running bridge the table is used by the next start.
func (g *Gateway) Reload(ids []oidtable.Identifier) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.bridge != nil {
		table, err := oidtable.New(ids, g.bridge.Params().BaseAddress)
		if err != nil {
			return err
		}
		if err := checkBank(table, g.bridge.Params().Sizes); err != nil {
			return err
		}
	}

	if g.opts.DB != nil {
		if err := oidtable.SaveDB(g.opts.DB, ids); err != nil {
			return err
		}
	}
	if g.bridge == nil {
		g.log.Infof("GW: Stored %d identifiers for the next start.", len(ids))
		return nil
	}
	if err := g.bridge.Reload(ids); err != nil {
		return err
	}
	if len(ids) == 0 {
		g.setState(NoIdentifiers)
	} else {
		g.setState(Running)
	}
	return nil
}

// ReloadFile reloads the identifier file. A malformed file leaves the
// current table in place.
func (g *Gateway) ReloadFile() error {
	ids, err := oidtable.LoadFile(g.opts.OIDFile)
	if err != nil {
		g.log.Errorf("GW: Identifier file not reloaded: %v", err)
		return err
	}
	g.log.Infof("GW: Identifier file %s changed, reloading %d identifiers.", g.opts.OIDFile, len(ids))
	return g.Reload(ids)
}

// Bridge returns the running bridge or nil.
func (g *Gateway) Bridge() *Bridge {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bridge
}

// State returns the bridge state and the error of the last failed start.
func (g *Gateway) State() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.lastErr
}

// Params returns the parameters of the last successful start.
func (g *Gateway) Params() (SessionParams, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.params, g.started
}

// setState must be called with g.mu held. The broker publish happens on
// the outbox goroutine.
func (g *Gateway) setState(state string) {
	g.state = state
	g.enqueue(TopicBridgeState, []byte(state))
	if g.opts.DB != nil {
		if err := updateBridgeStatus(g.opts.DB, state); err != nil {
			g.log.Errorf("GW: Error updating bridge state in the database: %v", err)
		}
	}
}

func (g *Gateway) publishMap(m Map) {
	payload, err := json.Marshal(m)
	if err != nil {
		g.log.Errorf("GW: Could not encode register map: %v", err)
		return
	}
	g.enqueue(TopicBridgeMap, payload)
}

func (g *Gateway) enqueue(topic string, payload []byte) {
	if g.opts.Publisher == nil {
		return
	}
	select {
	case g.outbox <- outgoing{topic: topic, payload: payload}:
	default:
		g.log.Warnf("GW: Publish queue full, dropping message on %s", topic)
	}
}

// runOutbox publishes queued messages in order until ctx is cancelled, then
// flushes what is left.
func (g *Gateway) runOutbox() {
	for {
		select {
		case m := <-g.outbox:
			publishWithBackoff(g.opts.Publisher, m.topic, m.payload, 5)
		case <-g.ctx.Done():
			for {
				select {
				case m := <-g.outbox:
					publishWithBackoff(g.opts.Publisher, m.topic, m.payload, 1)
				default:
					return
				}
			}
		}
	}
}
