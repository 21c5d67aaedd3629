package block

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Decode unpacks an IEEE 488.2 arbitrary block and returns its payload.
//
// Definite-length blocks: '#', one digit n, n digits of length, payload.
// Indefinite-length blocks: "#0", payload up to a trailing newline.
// Bytes after a definite-length payload (usually the terminator) are ignored.
func Decode(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, io.ErrUnexpectedEOF
	}
	if b[0] != '#' {
		return nil, fmt.Errorf("invalid header: want # got %q", b[0])
	}
	if b[1] < '0' || b[1] > '9' {
		return nil, fmt.Errorf("invalid length digit %q", b[1])
	}
	digits := int(b[1] - '0')
	if digits == 0 {
		data := b[2:]
		if n := len(data); n > 0 && data[n-1] == '\n' {
			data = data[:n-1]
		}
		return data, nil
	}
	if len(b) < 2+digits {
		return nil, io.ErrUnexpectedEOF
	}
	count, err := strconv.Atoi(string(b[2 : 2+digits]))
	if err != nil {
		return nil, fmt.Errorf("invalid length %q: %w", b[2:2+digits], err)
	}
	data := b[2+digits:]
	if len(data) < count {
		return nil, fmt.Errorf("short block: expect %d bytes, got %d", count, len(data))
	}
	return data[:count], nil
}

// Float32s decodes a block of big-endian IEEE 754 single precision values,
// the SCPI "NORMal" byte order.
func Float32s(b []byte) ([]float32, error) {
	return float32s(b, binary.BigEndian)
}

// Float32sLE decodes a block of little-endian single precision values, as
// sent by instruments with a "SWAPped" byte order.
func Float32sLE(b []byte) ([]float32, error) {
	return float32s(b, binary.LittleEndian)
}

func float32s(b []byte, order binary.ByteOrder) ([]float32, error) {
	data, err := Decode(b)
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("block length %d is not a multiple of 4", len(data))
	}
	out := make([]float32, 0, len(data)/4)
	for len(data) >= 4 {
		out = append(out, math.Float32frombits(order.Uint32(data)))
		data = data[4:]
	}
	return out, nil
}

// Encode wraps payload in a definite-length block header.
func Encode(payload []byte) []byte {
	n := strconv.Itoa(len(payload))
	out := make([]byte, 0, 2+len(n)+len(payload))
	out = append(out, '#', byte('0'+len(n)))
	out = append(out, n...)
	return append(out, payload...)
}
