// Package ledger models the public ledger used as the publication log:
// remark-call construction, the length-prefix payload codec and the
// submission client.
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	ModuleSystem = "system"
	MethodRemark = "remark"
)

// Call is one ledger call. For node publication the single param is the
// length-prefixed encoded node bytes.
type Call struct {
	Module string   `json:"module"`
	Method string   `json:"method"`
	Params [][]byte `json:"params"`
}

// RemarkCall wraps an encoded node payload into a system.remark call.
func RemarkCall(payload []byte) Call {
	return Call{
		Module: ModuleSystem,
		Method: MethodRemark,
		Params: [][]byte{EncodeLengthPrefixed(payload)},
	}
}

var ErrBadLengthPrefix = errors.New("ledger: malformed length prefix")

// EncodeLengthPrefixed prepends the chain's compact length prefix:
// two mode bits in the low end select a 1, 2 or 4 byte little-endian
// header. This layout must match the chain's remark-data decoding, so
// archived payloads written by earlier deployments stay readable.
func EncodeLengthPrefixed(payload []byte) []byte {
	n := uint64(len(payload))
	switch {
	case n < 1<<6:
		return append([]byte{byte(n << 2)}, payload...)
	case n < 1<<14:
		head := make([]byte, 2)
		binary.LittleEndian.PutUint16(head, uint16(n<<2|0b01))
		return append(head, payload...)
	default:
		// Payloads are bounded by the chunk size, far below 2^30.
		head := make([]byte, 4)
		binary.LittleEndian.PutUint32(head, uint32(n<<2|0b10))
		return append(head, payload...)
	}
}

// DecodeLengthPrefixed strips the compact prefix and returns the
// payload, verifying the declared length against the remaining bytes.
func DecodeLengthPrefixed(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadLengthPrefix
	}

	var n uint64
	var headLen int
	switch data[0] & 0b11 {
	case 0b00:
		n = uint64(data[0] >> 2)
		headLen = 1
	case 0b01:
		if len(data) < 2 {
			return nil, ErrBadLengthPrefix
		}
		n = uint64(binary.LittleEndian.Uint16(data[:2]) >> 2)
		headLen = 2
	case 0b10:
		if len(data) < 4 {
			return nil, ErrBadLengthPrefix
		}
		n = uint64(binary.LittleEndian.Uint32(data[:4]) >> 2)
		headLen = 4
	default:
		return nil, fmt.Errorf("%w: big-integer mode unsupported", ErrBadLengthPrefix)
	}

	body := data[headLen:]
	if uint64(len(body)) != n {
		return nil, fmt.Errorf("%w: declared %d bytes, have %d", ErrBadLengthPrefix, n, len(body))
	}
	return body, nil
}
