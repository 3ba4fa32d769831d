package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

/*
Cbor is the codec used for everything that is hashed, signed or persisted.

Encoding uses the "core deterministic" options, the same value always
produces the same bytes.
*/
var Cbor = newCborHandler()

type cborHandler struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCborHandler() cborHandler {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Errorf("creating CBOR encoder: %w", err))
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Errorf("creating CBOR decoder: %w", err))
	}
	return cborHandler{enc: enc, dec: dec}
}

func (c cborHandler) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c cborHandler) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}
