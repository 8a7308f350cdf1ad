package statecheck

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// stateDomainKey is the ASCII domain name zero-padded to 32 bytes. Changing
// it invalidates every hash clients compare against.
var stateDomainKey = [32]byte{
	't', 'e', 't', 'h', 'e', 'r', '.', 's', 't', 'a', 't', 'e', 'c', 'h', 'e', 'c',
	'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// encMode uses Core Deterministic Encoding so equal values always produce
// identical bytes: sorted map keys, shortest integers, definite lengths.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("statecheck: CBOR encoder initialization failed: " + err.Error())
	}
}

// Hash returns the hex keyed BLAKE3 digest of value's canonical CBOR encoding.
func Hash(value any) (string, error) {
	encoded, err := encMode.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("statecheck: encode %T: %w", value, err)
	}
	hasher, err := blake3.NewKeyed(stateDomainKey[:])
	if err != nil {
		return "", fmt.Errorf("statecheck: keyed hash initialization: %w", err)
	}
	_, _ = hasher.Write(encoded)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
