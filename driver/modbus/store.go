// Package modbus serves a bank of registers over Modbus TCP.
//
// Store is the single piece of state shared between the SNMP poller, which
// writes holding registers, and the Modbus listener, which answers master
// requests from it.
package modbus

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfRange is returned for addresses outside the allocated bank.
var ErrOutOfRange = errors.New("register address out of range")

// Bank selects one of the four Modbus data tables.
type Bank int

const (
	HoldingRegisters Bank = iota
	InputRegisters
	Coils
	DiscreteInputs
)

func (b Bank) String() string {
	switch b {
	case HoldingRegisters:
		return "holding"
	case InputRegisters:
		return "input"
	case Coils:
		return "coil"
	case DiscreteInputs:
		return "discrete"
	default:
		return fmt.Sprintf("bank(%d)", int(b))
	}
}

// Sizes holds the number of slots allocated per bank.
type Sizes struct {
	HoldingRegisters int `yaml:"holding_registers" env:"HOLDING_REGISTERS"`
	InputRegisters   int `yaml:"input_registers" env:"INPUT_REGISTERS"`
	Coils            int `yaml:"coils" env:"COILS"`
	DiscreteInputs   int `yaml:"discrete_inputs" env:"DISCRETE_INPUTS"`
}

// DefaultSizes are the bank sizes used when the settings leave them unset.
var DefaultSizes = Sizes{
	HoldingRegisters: 1000,
	InputRegisters:   3000,
	Coils:            3000,
	DiscreteInputs:   3000,
}

// Store is a zero-initialized, fixed-size register bank safe for concurrent
// use. Every read returns a snapshot; a reader never sees a partially
// applied write.
type Store struct {
	mu       sync.RWMutex
	holding  []uint16
	input    []uint16
	coils    []bool
	discrete []bool
}

// NewStore allocates the four banks.
func NewStore(sizes Sizes) *Store {
	return &Store{
		holding:  make([]uint16, sizes.HoldingRegisters),
		input:    make([]uint16, sizes.InputRegisters),
		coils:    make([]bool, sizes.Coils),
		discrete: make([]bool, sizes.DiscreteInputs),
	}
}

// Size returns the number of slots of bank b.
func (s *Store) Size(b Bank) int {
	switch b {
	case HoldingRegisters:
		return len(s.holding)
	case InputRegisters:
		return len(s.input)
	case Coils:
		return len(s.coils)
	case DiscreteInputs:
		return len(s.discrete)
	}
	return 0
}

func checkRange(b Bank, size, start, count int) error {
	if start < 0 || count < 0 || start+count > size {
		return fmt.Errorf("%w: %s %d..%d, bank size %d", ErrOutOfRange, b, start, start+count-1, size)
	}
	return nil
}

// Write replaces the holding register at address.
func (s *Store) Write(address int, value uint16) error {
	return s.WriteRange(address, []uint16{value})
}

// WriteRange replaces len(values) holding registers starting at address.
// Nothing is written when any address is out of range.
func (s *Store) WriteRange(address int, values []uint16) error {
	return s.writeWords(HoldingRegisters, address, values)
}

// ReadRange returns a copy of count holding registers starting at address.
func (s *Store) ReadRange(address, count int) ([]uint16, error) {
	return s.readWords(HoldingRegisters, address, count)
}

// SetInputRange replaces input registers starting at address.
func (s *Store) SetInputRange(address int, values []uint16) error {
	return s.writeWords(InputRegisters, address, values)
}

// ReadInputRange returns a copy of count input registers starting at address.
func (s *Store) ReadInputRange(address, count int) ([]uint16, error) {
	return s.readWords(InputRegisters, address, count)
}

// WriteCoils replaces coils starting at address.
func (s *Store) WriteCoils(address int, values []bool) error {
	return s.writeBits(Coils, address, values)
}

// ReadCoils returns a copy of count coils starting at address.
func (s *Store) ReadCoils(address, count int) ([]bool, error) {
	return s.readBits(Coils, address, count)
}

// ReadDiscreteInputs returns a copy of count discrete inputs starting at address.
func (s *Store) ReadDiscreteInputs(address, count int) ([]bool, error) {
	return s.readBits(DiscreteInputs, address, count)
}

// ZeroRange clears count holding registers starting at address.
func (s *Store) ZeroRange(address, count int) error {
	return s.writeWords(HoldingRegisters, address, make([]uint16, count))
}

func (s *Store) words(b Bank) []uint16 {
	if b == InputRegisters {
		return s.input
	}
	return s.holding
}

func (s *Store) bits(b Bank) []bool {
	if b == DiscreteInputs {
		return s.discrete
	}
	return s.coils
}

func (s *Store) writeWords(b Bank, address int, values []uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.words(b)
	if err := checkRange(b, len(dst), address, len(values)); err != nil {
		return err
	}
	copy(dst[address:], values)
	return nil
}

func (s *Store) readWords(b Bank, address, count int) ([]uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.words(b)
	if err := checkRange(b, len(src), address, count); err != nil {
		return nil, err
	}
	out := make([]uint16, count)
	copy(out, src[address:address+count])
	return out, nil
}

func (s *Store) writeBits(b Bank, address int, values []bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.bits(b)
	if err := checkRange(b, len(dst), address, len(values)); err != nil {
		return err
	}
	copy(dst[address:], values)
	return nil
}

func (s *Store) readBits(b Bank, address, count int) ([]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.bits(b)
	if err := checkRange(b, len(src), address, count); err != nil {
		return nil, err
	}
	out := make([]bool, count)
	copy(out, src[address:address+count])
	return out, nil
}
