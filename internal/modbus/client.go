package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
)

// SlaveAddressRegister is the holding register where Waveshare-style relay
// cards store their own slave address.
const SlaveAddressRegister uint16 = 0x4000

// Sender performs one request/response exchange. *Link implements it.
type Sender interface {
	Send(ctx context.Context, address, function byte, payload []byte) (*Response, error)
}

// Client encodes the standard coil and register functions on top of a Sender.
type Client struct {
	link Sender
}

// NewClient wraps a Sender.
func NewClient(link Sender) *Client {
	return &Client{link: link}
}

func u16(vals ...uint16) []byte {
	b := make([]byte, 0, 2*len(vals))
	for _, v := range vals {
		b = binary.BigEndian.AppendUint16(b, v)
	}
	return b
}

func malformed(address, function byte, format string, args ...any) error {
	return &LinkError{Kind: KindMalformed, Address: address, Function: function, Err: fmt.Errorf(format, args...)}
}

// ReadCoils reads quantity coil states starting at start.
func (c *Client) ReadCoils(ctx context.Context, address byte, start, quantity uint16) ([]bool, error) {
	resp, err := c.link.Send(ctx, address, FuncReadCoils, u16(start, quantity))
	if err != nil {
		return nil, err
	}
	want := int(quantity+7) / 8
	if len(resp.Data) < 1 || int(resp.Data[0]) != want || len(resp.Data) != want+1 {
		return nil, malformed(address, FuncReadCoils, "byte count mismatch: % X", resp.Data)
	}
	coils := make([]bool, quantity)
	for i := range coils {
		coils[i] = resp.Data[1+i/8]&(1<<(uint(i)%8)) != 0
	}
	return coils, nil
}

// WriteSingleCoil switches one coil with function 0x05.
func (c *Client) WriteSingleCoil(ctx context.Context, address byte, coil uint16, on bool) error {
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}
	payload := u16(coil, value)
	resp, err := c.link.Send(ctx, address, FuncWriteSingleCoil, payload)
	if err != nil {
		return err
	}
	if string(resp.Data) != string(payload) {
		return malformed(address, FuncWriteSingleCoil, "echo mismatch: % X", resp.Data)
	}
	return nil
}

// WriteMultipleCoils writes consecutive coils with function 0x0F.
func (c *Client) WriteMultipleCoils(ctx context.Context, address byte, start uint16, values []bool) error {
	if len(values) == 0 {
		return fmt.Errorf("no coil values to write")
	}
	packed := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << (uint(i) % 8)
		}
	}
	payload := u16(start, uint16(len(values)))
	payload = append(payload, byte(len(packed)))
	payload = append(payload, packed...)

	resp, err := c.link.Send(ctx, address, FuncWriteMultipleCoils, payload)
	if err != nil {
		return err
	}
	if string(resp.Data) != string(payload[:4]) {
		return malformed(address, FuncWriteMultipleCoils, "echo mismatch: % X", resp.Data)
	}
	return nil
}

// ReadHoldingRegisters reads quantity registers starting at start.
func (c *Client) ReadHoldingRegisters(ctx context.Context, address byte, start, quantity uint16) ([]uint16, error) {
	resp, err := c.link.Send(ctx, address, FuncReadHoldingRegisters, u16(start, quantity))
	if err != nil {
		return nil, err
	}
	if len(resp.Data) < 1 || int(resp.Data[0]) != 2*int(quantity) || len(resp.Data) != 1+2*int(quantity) {
		return nil, malformed(address, FuncReadHoldingRegisters, "byte count mismatch: % X", resp.Data)
	}
	regs := make([]uint16, quantity)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(resp.Data[1+2*i:])
	}
	return regs, nil
}

// WriteSingleRegister writes one holding register with function 0x06.
func (c *Client) WriteSingleRegister(ctx context.Context, address byte, register, value uint16) error {
	payload := u16(register, value)
	resp, err := c.link.Send(ctx, address, FuncWriteSingleRegister, payload)
	if err != nil {
		return err
	}
	if string(resp.Data) != string(payload) {
		return malformed(address, FuncWriteSingleRegister, "echo mismatch: % X", resp.Data)
	}
	return nil
}

// ReadSlaveAddress asks the card at address for its stored slave address.
func (c *Client) ReadSlaveAddress(ctx context.Context, address byte) (byte, error) {
	regs, err := c.ReadHoldingRegisters(ctx, address, SlaveAddressRegister, 1)
	if err != nil {
		return 0, err
	}
	return byte(regs[0]), nil
}

// SetSlaveAddress stores a new slave address on the card currently at address.
func (c *Client) SetSlaveAddress(ctx context.Context, address, next byte) error {
	if next < 1 || next > 247 {
		return ErrInvalidAddress
	}
	return c.WriteSingleRegister(ctx, address, SlaveAddressRegister, uint16(next))
}

// BroadcastSlaveAddress assigns next to whichever single card is on the bus.
// Slaves do not answer broadcasts; callers verify with ReadSlaveAddress.
func BroadcastSlaveAddress(ctx context.Context, link *Link, next byte) error {
	if next < 1 || next > 247 {
		return ErrInvalidAddress
	}
	return link.Broadcast(ctx, FuncWriteSingleRegister, u16(SlaveAddressRegister, uint16(next)))
}
