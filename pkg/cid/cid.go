// Package cid provides the content identifier used to address every node
// in the DAG. A Cid is the SHA-512 digest of a node's encoded bytes; the
// string form is lowercase hex.
package cid

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
)

const (
	// Size is the raw digest length in bytes.
	Size = sha512.Size
	// StringLen is the length of the hex string form.
	StringLen = Size * 2
)

var (
	ErrInvalidCidString = errors.New("invalid cid string")
	ErrInvalidCidBytes  = errors.New("invalid cid byte length")
)

// Cid is a content identifier. The zero value is not a valid identifier
// of any content and is used as a "not set" sentinel.
type Cid [Size]byte

// Zero is the unset sentinel.
var Zero Cid

// FromBytes derives the Cid for a blob of encoded node bytes.
func FromBytes(data []byte) Cid {
	return Cid(sha512.Sum512(data))
}

// Parse converts the hex string form back into a Cid.
func Parse(s string) (Cid, error) {
	if len(s) != StringLen {
		return Zero, ErrInvalidCidString
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Zero, ErrInvalidCidString
	}
	var c Cid
	copy(c[:], raw)
	return c, nil
}

func (c Cid) String() string {
	return hex.EncodeToString(c[:])
}

// Short returns a truncated form for log lines.
func (c Cid) Short() string {
	return hex.EncodeToString(c[:6])
}

func (c Cid) IsZero() bool {
	return c == Zero
}

func (c Cid) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, c[:])
	return out
}

func (c Cid) MarshalBinary() ([]byte, error) {
	return c.Bytes(), nil
}

func (c *Cid) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return ErrInvalidCidBytes
	}
	copy(c[:], data)
	return nil
}

func (c Cid) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Cid) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c Cid) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Cid) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return c.UnmarshalText([]byte(s))
}
