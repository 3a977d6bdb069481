package logic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"snmp-modbus-gateway/driver/modbus"
	"snmp-modbus-gateway/driver/snmp"
	"snmp-modbus-gateway/oidtable"
)

// ErrBind is returned when the Modbus listener cannot be opened.
var ErrBind = errors.New("cannot open modbus listener")

// Input registers describing the active identifier map.
const (
	MapGenerationRegister = 0
	MapCountRegister      = 1
	MapBaseRegister       = 2
)

// Map describes which register serves which identifier. Generation grows by
// one on every remap.
type Map struct {
	Generation uint32           `json:"generation"`
	Base       uint16           `json:"base"`
	Entries    []oidtable.Entry `json:"entries"`
}

// BridgeOptions holds the collaborators of a bridge. Every field is optional.
type BridgeOptions struct {
	// Querier defaults to an SNMPv1 client for the session target.
	Querier  snmp.Querier
	Identity *modbus.Identity
	Log      logrus.FieldLogger
	Sinks    []snmp.Sink
	// OnRemap is called with the new map at start and after every reload.
	OnRemap func(Map)
}

// Bridge runs one poller and one Modbus listener over a shared register
// store.
type Bridge struct {
	params     SessionParams
	listenAddr string
	store      *modbus.Store
	server     *modbus.Server
	poller     *snmp.Poller
	log        logrus.FieldLogger
	onRemap    func(Map)

	mapMu      sync.RWMutex
	current    Map
	generation atomic.Uint32

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// StartBridge validates params, allocates the register store, opens the
// listener and starts polling ids in the background. It returns once the
// listener accepts connections.
//
// Errors:
//   - ErrInvalidConfiguration for missing or invalid params.
//   - oidtable.ErrConfiguration when ids do not fit the register space.
//   - modbus.ErrOutOfRange when the holding bank is too small for ids.
//   - ErrBind when the listener cannot be opened.
//
// The bridge runs until ctx is cancelled or Stop is called.
func StartBridge(ctx context.Context, params SessionParams, ids []oidtable.Identifier, opts BridgeOptions) (*Bridge, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	table, err := oidtable.New(ids, params.BaseAddress)
	if err != nil {
		return nil, err
	}
	if err := checkBank(table, params.Sizes); err != nil {
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	identity := modbus.DefaultIdentity
	if opts.Identity != nil {
		identity = *opts.Identity
	}
	querier := opts.Querier
	if querier == nil {
		querier = snmp.NewClient(params.SNMPConfig())
	}

	host := params.ListenAddress
	if host == "" {
		host = LocalIPv4()
	}

	store := modbus.NewStore(params.Sizes)
	b := &Bridge{
		params:     params,
		listenAddr: joinHostPort(host, params.ModbusPort),
		store:      store,
		server:     modbus.NewServer(store, params.UnitID, identity, log),
		log:        log,
		onRemap:    opts.OnRemap,
		done:       make(chan struct{}),
	}

	if err := b.server.Listen(b.listenAddr); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrBind, b.listenAddr, err)
	}

	b.poller = snmp.NewPoller(querier, store, table, params.Interval, log, opts.Sinks...)
	b.remap(nil, table)

	ctx, b.cancel = context.WithCancel(ctx)
	go func() {
		defer close(b.done)
		b.poller.Run(ctx)
		b.server.Close()
	}()

	log.Infof("BRIDGE: Polling %s every %s, serving %d identifiers on %s unit %d",
		params.Target, b.poller.Interval(), table.Len(), b.listenAddr, params.UnitID)
	return b, nil
}

func checkBank(table *oidtable.Table, sizes modbus.Sizes) error {
	if table.Len() > 0 && table.End() > sizes.HoldingRegisters {
		return fmt.Errorf("%w: identifiers need registers %d..%d, holding bank has %d",
			modbus.ErrOutOfRange, table.Base(), table.End()-1, sizes.HoldingRegisters)
	}
	return nil
}

// Reload replaces the identifier table. The new mapping takes effect before
// the next pass, which starts immediately; addresses are recomputed from
// scratch.
func (b *Bridge) Reload(ids []oidtable.Identifier) error {
	table, err := oidtable.New(ids, b.params.BaseAddress)
	if err != nil {
		return err
	}
	if err := checkBank(table, b.params.Sizes); err != nil {
		return err
	}
	b.poller.Swap(table, b.remap)
	b.log.Infof("BRIDGE: Reload of %d identifiers scheduled", table.Len())
	return nil
}

// remap clears every register whose identifier changed, then publishes the
// new map. Only registers that keep serving the same identifier keep their
// value.
func (b *Bridge) remap(prev, next *oidtable.Table) {
	if prev != nil {
		served := make(map[uint16]string, next.Len())
		for _, e := range next.Entries() {
			served[e.Address] = e.OID
		}
		for _, e := range prev.Entries() {
			if oid, ok := served[e.Address]; ok && oid == e.OID {
				continue
			}
			if err := b.store.Write(int(e.Address), 0); err != nil {
				b.log.Errorf("BRIDGE: Could not clear register %d: %v", e.Address, err)
			}
		}
	}

	m := Map{
		Generation: b.generation.Add(1),
		Base:       next.Base(),
		Entries:    next.Entries(),
	}

	if b.store.Size(modbus.InputRegisters) > MapBaseRegister {
		info := []uint16{uint16(m.Generation), uint16(len(m.Entries)), m.Base}
		if err := b.store.SetInputRange(MapGenerationRegister, info); err != nil {
			b.log.Errorf("BRIDGE: Could not publish map generation: %v", err)
		}
	}

	b.mapMu.Lock()
	b.current = m
	b.mapMu.Unlock()

	b.log.Infof("BRIDGE: Register map generation %d: %s", m.Generation, next)
	for _, e := range m.Entries {
		b.log.Infof("BRIDGE: Register %d -> %s (%s)", e.Address, e.Name, e.OID)
	}
	if b.onRemap != nil {
		b.onRemap(m)
	}
}

// Stop cancels polling, closes the listener and waits for both to finish.
// It is safe to call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		<-b.done
		b.log.Info("BRIDGE: Stopped.")
	})
}

// Done is closed once polling ended and the listener is closed.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Trigger starts the next pass immediately.
func (b *Bridge) Trigger() { b.poller.Trigger() }

// Params returns the session parameters the bridge was started with.
func (b *Bridge) Params() SessionParams { return b.params }

// ListenAddress returns the "host:port" the listener is bound to.
func (b *Bridge) ListenAddress() string { return b.listenAddr }

// Store returns the register store shared by poller and listener.
func (b *Bridge) Store() *modbus.Store { return b.store }

// Map returns the active identifier map.
func (b *Bridge) Map() Map {
	b.mapMu.RLock()
	defer b.mapMu.RUnlock()
	m := b.current
	m.Entries = append([]oidtable.Entry(nil), m.Entries...)
	return m
}

// Status returns the latest poll outcome of every identifier.
func (b *Bridge) Status() []snmp.Outcome { return b.poller.Status() }

// Passes returns the number of completed passes.
func (b *Bridge) Passes() uint64 { return b.poller.Passes() }
