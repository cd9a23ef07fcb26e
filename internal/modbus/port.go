package modbus

import (
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// Port is a byte stream to the bus. Flush discards any unread input.
type Port interface {
	io.ReadWriteCloser
	Flush() error
}

// Opener opens a fresh handle to the bus.
type Opener func() (Port, error)

// SerialParams are the RS-485 line settings.
type SerialParams struct {
	Device   string
	BaudRate int
	DataBits int
	Parity   string // N, E or O
	StopBits int
}

// readPollTimeout bounds a single read syscall; the link enforces the overall
// request timeout on top of it.
const readPollTimeout = 50 * time.Millisecond

// SerialOpener returns an Opener for a physical serial device.
func SerialOpener(p SerialParams) Opener {
	return func() (Port, error) {
		c := &serial.Config{
			Name:        p.Device,
			Baud:        p.BaudRate,
			ReadTimeout: readPollTimeout,
			Size:        byte(p.DataBits),
			Parity:      serialParity(p.Parity),
			StopBits:    serial.Stop1,
		}
		if p.StopBits == 2 {
			c.StopBits = serial.Stop2
		}
		port, err := serial.OpenPort(c)
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", p.Device, err)
		}
		return port, nil
	}
}

func serialParity(p string) serial.Parity {
	switch p {
	case "E":
		return serial.ParityEven
	case "O":
		return serial.ParityOdd
	default:
		return serial.ParityNone
	}
}

// FrameGap is the 3.5 character silence RTU requires between frames.
func FrameGap(baud int) time.Duration {
	if baud <= 0 || baud > 19200 {
		return 1750 * time.Microsecond
	}
	// 11 bits per character on the wire.
	return time.Duration(float64(time.Second) * 3.5 * 11 / float64(baud))
}
