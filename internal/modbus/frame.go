package modbus

import "fmt"

// Serial-transport framing sentinels (§4.1).
const (
	startEndFlag byte = 0x7E
	escapeFlag   byte = 0x7D
)

// Frame byte-stuffs payload between 0x7E sentinels for the serial
// transports. 0x7E and 0x7D in the payload are escaped as 0x7D followed
// by the byte XOR 0x20.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2)
	out = append(out, startEndFlag)
	for _, b := range payload {
		if b == startEndFlag || b == escapeFlag {
			out = append(out, escapeFlag, b^0x20)
		} else {
			out = append(out, b)
		}
	}
	out = append(out, startEndFlag)
	return out
}

// Unframe reverses Frame: it drops the start/end sentinels and unescapes
// any 0x7D-prefixed byte. A trailing escape byte with nothing following
// it is malformed and reported as an error.
func Unframe(frame []byte) ([]byte, error) {
	out := make([]byte, 0, len(frame))
	for i := 0; i < len(frame); i++ {
		b := frame[i]
		switch b {
		case startEndFlag:
			continue
		case escapeFlag:
			if i+1 >= len(frame) {
				return nil, fmt.Errorf("modbus: truncated escape sequence at end of frame")
			}
			out = append(out, frame[i+1]^0x20)
			i++
		default:
			out = append(out, b)
		}
	}
	return out, nil
}
