package types

import (
	"encoding/hex"
	"strings"
)

// Bytes is a byte slice which is hex encoded (with "0x" prefix) in JSON.
type Bytes []byte

func (b Bytes) MarshalText() ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	dst := make([]byte, 2+hex.EncodedLen(len(b)))
	copy(dst, "0x")
	hex.Encode(dst[2:], b)
	return dst, nil
}

func (b *Bytes) UnmarshalText(src []byte) error {
	if len(src) == 0 {
		*b = nil
		return nil
	}
	res, err := hex.DecodeString(strings.TrimPrefix(string(src), "0x"))
	if err != nil {
		return err
	}
	*b = res
	return nil
}
