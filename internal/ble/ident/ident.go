// Package ident derives opaque peripheral identifiers from platform
// addresses. Identifiers are keyed BLAKE2b-128 digests: stable for the
// lifetime of a Deriver, unlinkable across processes, and they never expose
// the underlying MAC or CoreBluetooth UUID to event consumers.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/chaz8081/blecentral/internal/ble"
)

// KeySize is the length of the hashing key in bytes.
const KeySize = 32

// digestSize is the identifier length in bytes (128 bits).
const digestSize = 16

// Deriver maps addresses to peripheral ids. Safe for concurrent use.
type Deriver struct {
	key []byte
}

// NewDeriver creates a Deriver with a random per-process key.
func NewDeriver() (*Deriver, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("ble/ident: generate key: %w", err)
	}
	return &Deriver{key: key}, nil
}

// newDeriverWithKey creates a Deriver with a fixed key, for reproducible ids
// in tests.
func newDeriverWithKey(key []byte) (*Deriver, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("ble/ident: key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Deriver{key: k}, nil
}

// ID returns the identifier for address. Addresses are compared
// case-insensitively so "aa:bb" and "AA:BB" name the same device.
func (d *Deriver) ID(address string) ble.PeripheralID {
	h, err := blake2b.New(digestSize, d.key)
	if err != nil {
		// Only reachable with an invalid size or key length, both fixed here.
		panic("ble/ident: " + err.Error())
	}
	h.Write([]byte(strings.ToLower(strings.TrimSpace(address))))
	return ble.PeripheralID(hex.EncodeToString(h.Sum(nil)))
}
