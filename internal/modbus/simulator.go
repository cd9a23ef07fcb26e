package modbus

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"
)

// SimCard is one simulated relay card.
type SimCard struct {
	Coils []bool
	// LegacyOnly cards reject function 0x0F with Illegal Function.
	LegacyOnly bool
	// StuckCoils never energize; reads report them off.
	StuckCoils map[uint16]bool
}

// CoilWrite records one coil change seen by the simulator.
type CoilWrite struct {
	Address  byte
	Coil     uint16
	On       bool
	Function byte
	At       time.Time
}

// Simulator is an in-memory relay bus that speaks Modbus RTU frames. It
// implements Port and is used for development ("sim://") and tests.
type Simulator struct {
	mu      sync.Mutex
	cards   map[byte]*SimCard
	pending []byte
	closed  bool
	writes  []CoilWrite

	failOpen int
	silent   map[byte]int // replies to drop per address
	corrupt  map[byte]int // replies to corrupt per address
	offline  map[byte]bool
}

// NewSimulator creates a bus with one card per address, each with channels coils.
func NewSimulator(channels int, addresses ...byte) *Simulator {
	s := &Simulator{
		cards:   make(map[byte]*SimCard),
		silent:  make(map[byte]int),
		corrupt: make(map[byte]int),
		offline: make(map[byte]bool),
	}
	for _, a := range addresses {
		s.cards[a] = &SimCard{Coils: make([]bool, channels)}
	}
	return s
}

// Opener returns an Opener handing out this simulator.
func (s *Simulator) Opener() Opener {
	return func() (Port, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failOpen > 0 {
			s.failOpen--
			return nil, errors.New("simulated: device not found")
		}
		s.closed = false
		s.pending = nil
		return s, nil
	}
}

// Card returns the simulated card at address.
func (s *Simulator) Card(address byte) *SimCard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cards[address]
}

// SetLegacyOnly marks a card as implementing only function 0x05 for writes.
func (s *Simulator) SetLegacyOnly(address byte, legacy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.cards[address]; c != nil {
		c.LegacyOnly = legacy
	}
}

// SetStuck makes a coil ignore writes.
func (s *Simulator) SetStuck(address byte, coil uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.cards[address]; c != nil {
		if c.StuckCoils == nil {
			c.StuckCoils = make(map[uint16]bool)
		}
		c.StuckCoils[coil] = true
	}
}

// FailOpen makes the next n opens fail.
func (s *Simulator) FailOpen(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpen = n
}

// DropReplies makes the card at address stay silent for the next n requests.
func (s *Simulator) DropReplies(address byte, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[address] = n
}

// CorruptReplies flips a CRC bit in the next n replies from address.
func (s *Simulator) CorruptReplies(address byte, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt[address] = n
}

// SetOffline makes a card ignore every request until cleared.
func (s *Simulator) SetOffline(address byte, offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline[address] = offline
}

// Writes returns every coil write the simulator applied.
func (s *Simulator) Writes() []CoilWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CoilWrite, len(s.writes))
	copy(out, s.writes)
	return out
}

// PulsesOn returns the number of ON writes applied to one coil.
func (s *Simulator) PulsesOn(address byte, coil uint16) int {
	n := 0
	for _, w := range s.Writes() {
		if w.Address == address && w.Coil == coil && w.On {
			n++
		}
	}
	return n
}

// Read returns queued reply bytes, or io.EOF when none are waiting.
func (s *Simulator) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("simulated: port closed")
	}
	if len(s.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(b, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Write accepts one complete request frame and queues the reply.
func (s *Simulator) Write(frame []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("simulated: port closed")
	}
	if !CheckCRC(frame) || len(frame) < 4 {
		return len(frame), nil // a real slave ignores garbage
	}
	address := frame[0]
	reply := s.handle(address, frame[1], frame[2:len(frame)-2])
	if address == 0 || reply == nil {
		return len(frame), nil
	}
	if s.silent[address] > 0 {
		s.silent[address]--
		return len(frame), nil
	}
	reply = AppendCRC(append([]byte{address}, reply...))
	if s.corrupt[address] > 0 {
		s.corrupt[address]--
		reply[len(reply)-1] ^= 0x01
	}
	s.pending = append(s.pending, reply...)
	return len(frame), nil
}

// Flush drops unread reply bytes.
func (s *Simulator) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("simulated: port closed")
	}
	s.pending = nil
	return nil
}

// Close marks the port closed; Opener reopens it.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// handle returns function code + data of the reply, or nil for no reply.
func (s *Simulator) handle(address, function byte, data []byte) []byte {
	if address == 0 {
		s.handleBroadcast(function, data)
		return nil
	}
	card := s.cards[address]
	if card == nil || s.offline[address] {
		return nil
	}
	exception := func(code byte) []byte { return []byte{function | exceptionFlag, code} }

	switch function {
	case FuncReadCoils:
		if len(data) != 4 {
			return exception(ExceptionIllegalDataValue)
		}
		start, qty := binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:])
		if int(start)+int(qty) > len(card.Coils) || qty == 0 {
			return exception(ExceptionIllegalDataAddress)
		}
		packed := make([]byte, (qty+7)/8)
		for i := uint16(0); i < qty; i++ {
			if card.Coils[start+i] {
				packed[i/8] |= 1 << (i % 8)
			}
		}
		return append([]byte{function, byte(len(packed))}, packed...)

	case FuncWriteSingleCoil:
		if len(data) != 4 {
			return exception(ExceptionIllegalDataValue)
		}
		coil, value := binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:])
		if int(coil) >= len(card.Coils) {
			return exception(ExceptionIllegalDataAddress)
		}
		if value != 0xFF00 && value != 0x0000 {
			return exception(ExceptionIllegalDataValue)
		}
		s.setCoil(card, address, coil, value == 0xFF00, function)
		return append([]byte{function}, data...)

	case FuncWriteMultipleCoils:
		if card.LegacyOnly {
			return exception(ExceptionIllegalFunction)
		}
		if len(data) < 5 {
			return exception(ExceptionIllegalDataValue)
		}
		start, qty := binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:])
		if int(start)+int(qty) > len(card.Coils) || qty == 0 || int(data[4]) != len(data)-5 {
			return exception(ExceptionIllegalDataAddress)
		}
		for i := uint16(0); i < qty; i++ {
			s.setCoil(card, address, start+i, data[5+i/8]&(1<<(i%8)) != 0, function)
		}
		return append([]byte{function}, data[:4]...)

	case FuncReadHoldingRegisters:
		if len(data) != 4 || binary.BigEndian.Uint16(data) != SlaveAddressRegister || binary.BigEndian.Uint16(data[2:]) != 1 {
			return exception(ExceptionIllegalDataAddress)
		}
		return []byte{function, 2, 0, address}

	case FuncWriteSingleRegister:
		if len(data) != 4 || binary.BigEndian.Uint16(data) != SlaveAddressRegister {
			return exception(ExceptionIllegalDataAddress)
		}
		next := byte(binary.BigEndian.Uint16(data[2:]))
		if next < 1 || next > 247 {
			return exception(ExceptionIllegalDataValue)
		}
		delete(s.cards, address)
		s.cards[next] = card
		return append([]byte{function}, data...)

	default:
		return exception(ExceptionIllegalFunction)
	}
}

func (s *Simulator) handleBroadcast(function byte, data []byte) {
	if function != FuncWriteSingleRegister || len(data) != 4 || len(s.cards) != 1 {
		return
	}
	next := byte(binary.BigEndian.Uint16(data[2:]))
	for addr, card := range s.cards {
		delete(s.cards, addr)
		s.cards[next] = card
	}
}

func (s *Simulator) setCoil(card *SimCard, address byte, coil uint16, on bool, function byte) {
	s.writes = append(s.writes, CoilWrite{Address: address, Coil: coil, On: on, Function: function, At: time.Now()})
	if card.StuckCoils[coil] {
		return
	}
	card.Coils[coil] = on
}
