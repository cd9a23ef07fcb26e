package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC16_KnownFrames(t *testing.T) {
	testCases := []struct {
		name     string
		frame    []byte
		expected []byte
	}{
		{
			name:     "read 10 holding registers from slave 1",
			frame:    []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A},
			expected: []byte{0xC5, 0xCD},
		},
		{
			name:     "switch coil 0 on at slave 1",
			frame:    []byte{0x01, 0x05, 0x00, 0x00, 0xFF, 0x00},
			expected: []byte{0x8C, 0x3A},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			full := AppendCRC(append([]byte(nil), tc.frame...))
			assert.Equal(t, tc.expected, full[len(full)-2:])
			assert.True(t, CheckCRC(full))
		})
	}
}

func TestCRC16_RoundTripAndBitFlip(t *testing.T) {
	payloads := [][]byte{
		{0x01},
		{0x02, 0x0F, 0x00, 0x03, 0x00, 0x01, 0x01, 0x01},
		{0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x00},
		[]byte("relay card bus frame"),
	}

	for _, p := range payloads {
		frame := AppendCRC(append([]byte(nil), p...))
		assert.True(t, CheckCRC(frame), "frame % X should validate", frame)

		for bit := 0; bit < len(frame)*8; bit++ {
			flipped := append([]byte(nil), frame...)
			flipped[bit/8] ^= 1 << (bit % 8)
			assert.False(t, CheckCRC(flipped), "bit %d flipped in % X should fail", bit, frame)
		}
	}
}

func TestCheckCRC_ShortFrames(t *testing.T) {
	assert.False(t, CheckCRC(nil))
	assert.False(t, CheckCRC([]byte{0x01, 0x02}))
}
