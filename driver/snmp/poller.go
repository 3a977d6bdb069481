package snmp

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"snmp-modbus-gateway/oidtable"
)

// DefaultInterval is the pause between two passes.
const DefaultInterval = 60 * time.Second

// SwapFunc runs on the polling goroutine after next replaced prev and
// before the first query against it.
type SwapFunc func(prev, next *oidtable.Table)

type pendingSwap struct {
	table *oidtable.Table
	apply SwapFunc
}

// Poller walks an identifier table, queries each identifier in order and
// writes the result to the register at the identifier's address.
//
// A failed query never aborts a pass and never touches the register: the slot
// keeps whatever it held before.
type Poller struct {
	querier  Querier
	store    Writer
	interval time.Duration
	sinks    []Sink
	log      logrus.FieldLogger

	table   atomic.Pointer[oidtable.Table]
	swapMu  sync.Mutex
	pending *pendingSwap

	status  *xsync.MapOf[uint16, Outcome]
	trigger chan struct{}
	passes  atomic.Uint64
}

// NewPoller returns a poller for table. Every successful register write is
// reported to sinks.
func NewPoller(querier Querier, store Writer, table *oidtable.Table, interval time.Duration, log logrus.FieldLogger, sinks ...Sink) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if table == nil {
		table = oidtable.Empty(oidtable.DefaultBaseAddress)
	}

	p := &Poller{
		querier:  querier,
		store:    store,
		interval: interval,
		sinks:    sinks,
		log:      log,
		status:   xsync.NewMapOf[uint16, Outcome](),
		trigger:  make(chan struct{}, 1),
	}
	p.table.Store(table)
	return p
}

// Table returns the table of the current or next pass.
func (p *Poller) Table() *oidtable.Table {
	return p.table.Load()
}

// Interval returns the pause between passes.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Passes returns the number of completed passes.
func (p *Poller) Passes() uint64 {
	return p.passes.Load()
}

// Swap replaces the table before the next pass and triggers that pass. A
// pass already in progress finishes against the old table. apply may be nil.
// A second Swap before the first took effect supersedes it.
func (p *Poller) Swap(table *oidtable.Table, apply SwapFunc) {
	p.swapMu.Lock()
	p.pending = &pendingSwap{table: table, apply: apply}
	p.swapMu.Unlock()
	p.Trigger()
}

func (p *Poller) applyPending() {
	p.swapMu.Lock()
	next := p.pending
	p.pending = nil
	p.swapMu.Unlock()

	if next == nil {
		return
	}
	old := p.table.Swap(next.table)
	p.status.Clear()
	if next.apply != nil {
		next.apply(old, next.table)
	}
}

// Trigger starts the next pass immediately instead of waiting for the
// interval to elapse. It never blocks.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. It returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		p.Pass(ctx)

		timer.Reset(p.interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.trigger:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

// Pass queries every identifier of the table once, sequentially and in table
// order, and returns one outcome per identifier. A cancelled ctx ends the
// pass early.
func (p *Poller) Pass(ctx context.Context) []Outcome {
	p.applyPending()
	table := p.table.Load()

	outcomes := make([]Outcome, 0, table.Len())
	var updated, failed int
	for _, entry := range table.Entries() {
		if ctx.Err() != nil {
			break
		}
		o := p.poll(ctx, entry)
		p.status.Store(entry.Address, o)
		outcomes = append(outcomes, o)
		if o.Result == Updated {
			updated++
		} else {
			failed++
		}
	}
	if ctx.Err() != nil {
		return outcomes
	}

	p.passes.Add(1)
	p.log.WithFields(logrus.Fields{
		"updated": updated,
		"failed":  failed,
	}).Infof("SNMP: Values updated. Waiting %s...", p.interval)
	return outcomes
}

func (p *Poller) poll(ctx context.Context, entry oidtable.Entry) Outcome {
	o := Outcome{Entry: entry, Result: NoValue, At: time.Now()}
	log := p.log.WithFields(logrus.Fields{
		"name":    entry.Name,
		"oid":     entry.OID,
		"address": entry.Address,
	})

	sample, err := p.querier.Get(ctx, entry.OID)
	if err != nil {
		log.Warnf("SNMP: Query failed, register keeps its value: %v", err)
		o.Err = err
		return o
	}

	value, clamped, err := Convert(sample)
	if err != nil {
		log.Warnf("SNMP: %v, register keeps its value", err)
		o.Err = err
		return o
	}
	if clamped {
		log.Warnf("SNMP: Value %v does not fit a register, stored %d", sample.Value, value)
	}

	if err := p.store.Write(int(entry.Address), value); err != nil {
		log.Errorf("SNMP: Could not write register: %v", err)
		o.Err = err
		return o
	}
	log.Infof("SNMP: Register %d updated with value %d", entry.Address, value)

	o.Result = Updated
	o.Value = value
	o.Clamped = clamped

	u := Update{
		Address:   entry.Address,
		Name:      entry.Name,
		OID:       entry.OID,
		Value:     value,
		Clamped:   clamped,
		Timestamp: o.At,
	}
	for _, s := range p.sinks {
		s.Publish(u)
	}
	return o
}

// Status returns the latest outcome per identifier of the current table,
// ordered by register address.
func (p *Poller) Status() []Outcome {
	out := make([]Outcome, 0, p.status.Size())
	p.status.Range(func(_ uint16, o Outcome) bool {
		out = append(out, o)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
