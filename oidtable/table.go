// Package oidtable maps an ordered list of SNMP object identifiers onto a
// contiguous block of Modbus holding registers.
//
// The i-th identifier of a table is served at register base+i. A table is
// immutable: a reload builds a new table and every address is recomputed from
// scratch, so consumers must treat a new table as a full remap.
package oidtable

import (
	"fmt"
	"math"
	"strings"
)

// DefaultBaseAddress is the register of the first identifier when no base is configured.
const DefaultBaseAddress = 1

// Identifier is one named SNMP variable as it appears in the configuration.
type Identifier struct {
	Name string `json:"name" yaml:"name"`
	OID  string `json:"oid" yaml:"oid"`
}

// Entry is an identifier together with the holding register it is served at.
type Entry struct {
	Identifier
	Address uint16 `json:"address"`
}

// Table is an immutable identifier-to-register mapping.
type Table struct {
	base    uint16
	entries []Entry
}

// New builds the mapping for ids starting at register base.
func New(ids []Identifier, base uint16) (*Table, error) {
	if len(ids) > 0 && int(base)+len(ids)-1 > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d identifiers starting at register %d exceed the register space",
			ErrConfiguration, len(ids), base)
	}

	entries := make([]Entry, len(ids))
	for i, id := range ids {
		entries[i] = Entry{
			Identifier: id,
			Address:    base + uint16(i),
		}
	}
	return &Table{base: base, entries: entries}, nil
}

// Empty returns a table without identifiers.
func Empty(base uint16) *Table {
	return &Table{base: base}
}

// Base returns the register of the first identifier.
func (t *Table) Base() uint16 { return t.base }

// Len returns the number of identifiers.
func (t *Table) Len() int { return len(t.entries) }

// Entry returns the i-th entry in table order.
func (t *Table) Entry(i int) Entry { return t.entries[i] }

// Entries returns a copy of all entries in table order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// End returns the first register after the mapped block.
func (t *Table) End() int {
	return int(t.base) + len(t.entries)
}

// Identifiers returns the identifiers in table order, without addresses.
func (t *Table) Identifiers() []Identifier {
	out := make([]Identifier, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Identifier
	}
	return out
}

// String renders the mapping as "address=oid" pairs, used in remap log lines.
func (t *Table) String() string {
	parts := make([]string, len(t.entries))
	for i, e := range t.entries {
		parts[i] = fmt.Sprintf("%d=%s", e.Address, e.OID)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// ValidOID reports whether s is a dotted-numeric object identifier such as
// "1.3.6.1.2.1.1.3.0". A single leading dot is accepted.
func ValidOID(s string) bool {
	s = strings.TrimPrefix(s, ".")
	if s == "" {
		return false
	}
	for _, arc := range strings.Split(s, ".") {
		if arc == "" {
			return false
		}
		for _, r := range arc {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}
