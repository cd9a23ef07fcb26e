package modbus

import "fmt"

// Function codes used by the relay cards.
const (
	FuncReadCoils              byte = 0x01
	FuncReadHoldingRegisters   byte = 0x03
	FuncWriteSingleCoil        byte = 0x05
	FuncWriteSingleRegister    byte = 0x06
	FuncWriteMultipleCoils     byte = 0x0F
	FuncWriteMultipleRegisters byte = 0x10

	exceptionFlag byte = 0x80
)

// Response is a validated reply frame. Data holds the bytes between the
// function code and the CRC.
type Response struct {
	Address  byte
	Function byte
	Data     []byte
}

// BuildFrame assembles [address, function, payload..., crc_lo, crc_hi].
func BuildFrame(address, function byte, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, address, function)
	frame = append(frame, payload...)
	return AppendCRC(frame)
}

// remainingLength returns how many bytes follow the header of a reply.
// Byte-count prefixed replies report needCount until the count byte is known;
// after that n counts the bytes following the count byte.
func remainingLength(function byte, count byte, haveCount bool) (n int, needCount bool, err error) {
	if function&exceptionFlag != 0 {
		return 3, false, nil // exception code + crc
	}
	switch function {
	case FuncReadCoils, FuncReadHoldingRegisters, 0x02, 0x04:
		if !haveCount {
			return 0, true, nil
		}
		return int(count) + 2, false, nil
	case FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		return 6, false, nil
	default:
		return 0, false, fmt.Errorf("unsupported function code 0x%02X in reply", function)
	}
}

// ParseResponse validates a complete reply frame against the request it answers.
func ParseResponse(frame []byte, address, function byte) (*Response, error) {
	if len(frame) < 5 {
		return nil, &LinkError{Kind: KindMalformed, Address: address, Function: function, Err: fmt.Errorf("short frame (%d bytes)", len(frame))}
	}
	if !CheckCRC(frame) {
		return nil, &LinkError{Kind: KindMalformed, Address: address, Function: function, Err: fmt.Errorf("crc mismatch in % X", frame)}
	}
	if frame[0] != address {
		return nil, &LinkError{Kind: KindMalformed, Address: address, Function: function, Err: fmt.Errorf("reply from slave %d", frame[0])}
	}
	if frame[1] == function|exceptionFlag {
		return nil, &ExceptionError{Address: address, Function: function, Code: frame[2]}
	}
	if frame[1] != function {
		return nil, &LinkError{Kind: KindMalformed, Address: address, Function: function, Err: fmt.Errorf("reply function 0x%02X", frame[1])}
	}
	data := make([]byte, len(frame)-4)
	copy(data, frame[2:len(frame)-2])
	return &Response{Address: frame[0], Function: frame[1], Data: data}, nil
}

// FormatHex renders bytes the way bus traces are logged.
func FormatHex(b []byte) string {
	return fmt.Sprintf("% X", b)
}
